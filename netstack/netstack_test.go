package netstack

import (
	"errors"
	"testing"

	"github.com/chazu/netqasm/isa"
)

func TestResultIndex(t *testing.T) {
	tests := []struct {
		tp          EPRType
		pair, field int
		want        int
	}{
		{TypeK, 0, OKKLogicalQubitID, 2},
		{TypeK, 1, OKKType, OKFieldsK},
		{TypeM, 0, OKMMeasurementOutcome, 2},
		{TypeM, 2, OKMBellState, 2*OKFieldsM + 9},
	}
	for _, tt := range tests {
		got, err := ResultIndex(tt.tp, tt.pair, tt.field)
		if err != nil {
			t.Fatalf("ResultIndex(%s, %d, %d): %v", tt.tp, tt.pair, tt.field, err)
		}
		if got != tt.want {
			t.Errorf("ResultIndex(%s, %d, %d) = %d, want %d", tt.tp, tt.pair, tt.field, got, tt.want)
		}
	}

	if _, err := ResultIndex(TypeM, 0, OKFieldsM); !errors.Is(err, isa.ErrProtocolFieldMismatch) {
		t.Errorf("field past layout: err = %v", err)
	}
	if _, err := ResultIndex(EPRType(7), 0, 0); !errors.Is(err, isa.ErrProtocolFieldMismatch) {
		t.Errorf("unknown type: err = %v", err)
	}
}

func TestLayoutChecks(t *testing.T) {
	if err := CheckCreateArgs(CreateFields); err != nil {
		t.Errorf("CheckCreateArgs(%d): %v", CreateFields, err)
	}
	if err := CheckCreateArgs(CreateFields - 1); !errors.Is(err, isa.ErrProtocolFieldMismatch) {
		t.Errorf("short create args: err = %v", err)
	}
	if err := CheckResults(TypeK, 3, 3*OKFieldsK); err != nil {
		t.Errorf("CheckResults: %v", err)
	}
	if err := CheckResults(TypeK, 3, OKFieldsK); !errors.Is(err, isa.ErrProtocolFieldMismatch) {
		t.Errorf("short results: err = %v", err)
	}
}

func TestProducesQubits(t *testing.T) {
	if !TypeK.ProducesQubits() || TypeM.ProducesQubits() {
		t.Error("only K type requests deliver qubits")
	}
}
