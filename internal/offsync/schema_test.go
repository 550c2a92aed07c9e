package offsync

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestValidateContribution(t *testing.T) {
	v, err := NewPayloadValidator()
	if err != nil {
		t.Fatalf("new validator: %v", err)
	}

	valid := json.RawMessage(`{"group_id":"g1","amount_sats":10000,"memo":"week 3"}`)
	if err := v.Validate(KindContribution, valid); err != nil {
		t.Fatalf("valid contribution rejected: %v", err)
	}

	cases := map[string]string{
		"missing group":   `{"amount_sats":10000}`,
		"zero amount":     `{"group_id":"g1","amount_sats":0}`,
		"negative amount": `{"group_id":"g1","amount_sats":-5}`,
		"unknown field":   `{"group_id":"g1","amount_sats":10,"target":"x"}`,
	}
	for name, payload := range cases {
		if err := v.Validate(KindContribution, json.RawMessage(payload)); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("%s: expected ErrInvalidInput, got %v", name, err)
		}
	}
}

func TestValidateGroupJoinAndPayout(t *testing.T) {
	v, err := NewPayloadValidator()
	if err != nil {
		t.Fatalf("new validator: %v", err)
	}
	if err := v.Validate(KindGroupJoin, json.RawMessage(`{"group_id":"g1","user_id":"u1"}`)); err != nil {
		t.Fatalf("valid join rejected: %v", err)
	}
	if err := v.Validate(KindGroupJoin, json.RawMessage(`{"group_id":"g1"}`)); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("join without user must fail, got %v", err)
	}
	if err := v.Validate(KindPayoutRequest, json.RawMessage(`{"group_id":"g1","cycle_id":"c2"}`)); err != nil {
		t.Fatalf("valid payout rejected: %v", err)
	}
	if err := v.Validate(KindPayoutRequest, json.RawMessage(`{"group_id":"g1"}`)); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("payout without cycle must fail, got %v", err)
	}
}

func TestValidateProfileUpdate(t *testing.T) {
	v, err := NewPayloadValidator()
	if err != nil {
		t.Fatalf("new validator: %v", err)
	}
	if err := v.Validate(KindProfileUpdate, json.RawMessage(`{"display_name":"Amina"}`)); err != nil {
		t.Fatalf("valid profile update rejected: %v", err)
	}
	if err := v.Validate(KindProfileUpdate, json.RawMessage(`{}`)); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("empty profile update must fail, got %v", err)
	}
}

func TestValidateUnknownKindPasses(t *testing.T) {
	v, err := NewPayloadValidator()
	if err != nil {
		t.Fatalf("new validator: %v", err)
	}
	if err := v.Validate("loan-request", json.RawMessage(`{"anything":true}`)); err != nil {
		t.Fatalf("unknown kind must pass unvalidated, got %v", err)
	}
}
