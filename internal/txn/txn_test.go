package txn_test

import (
	"testing"

	"github.com/Edwardzcn/SLOG/internal/txn"
)

// TestClassifySingleHome: a transaction whose keys all share one master is
// SINGLE_HOME.
func TestClassifySingleHome(t *testing.T) {
	tx := txn.New(1)
	tx.ReadSet["100"] = ""
	tx.WriteSet["200"] = ""
	tx.Internal.MasterMetadata["100"] = txn.MasterMetadata{Master: 0, Counter: 1}
	tx.Internal.MasterMetadata["200"] = txn.MasterMetadata{Master: 0, Counter: 2}

	if got := tx.Classify(); got != txn.TypeSingleHome {
		t.Fatalf("want SINGLE_HOME, got %v", got)
	}
	if tx.Internal.Type != txn.TypeSingleHome {
		t.Fatalf("Classify did not persist type, got %v", tx.Internal.Type)
	}
}

// TestClassifyMultiHome: two distinct masters across keys make a
// transaction MULTI_HOME.
func TestClassifyMultiHome(t *testing.T) {
	tx := txn.New(2)
	tx.ReadSet["100"] = ""
	tx.WriteSet["200"] = ""
	tx.Internal.MasterMetadata["100"] = txn.MasterMetadata{Master: 0}
	tx.Internal.MasterMetadata["200"] = txn.MasterMetadata{Master: 1}

	if got := tx.Classify(); got != txn.TypeMultiHome {
		t.Fatalf("want MULTI_HOME, got %v", got)
	}
}

// TestClassifyUnknownWhileMetadataMissing: any key still lacking metadata
// keeps the transaction UNKNOWN and un-persisted.
func TestClassifyUnknownWhileMetadataMissing(t *testing.T) {
	tx := txn.New(3)
	tx.ReadSet["100"] = ""
	tx.WriteSet["200"] = ""
	tx.Internal.MasterMetadata["100"] = txn.MasterMetadata{Master: 0}
	// "200" has no metadata yet.

	if got := tx.Classify(); got != txn.TypeUnknown {
		t.Fatalf("want UNKNOWN, got %v", got)
	}
	if tx.Internal.Type != txn.TypeUnknown {
		t.Fatalf("Classify must not persist UNKNOWN over the zero value, got %v", tx.Internal.Type)
	}
}
