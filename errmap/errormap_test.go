package errmap

import "testing"

func TestDecodeTolerantOfUnknownFields(t *testing.T) {
	body := []byte(`{
		"version": 2,
		"revision": 1,
		"extraTopLevelField": "ignored",
		"errors": {
			"23": {"name": "TOO_BIG", "desc": "too big", "attrs": ["item-only"], "extra": "ignored"},
			"86": {"name": "ETMPFAIL", "desc": "temp failure", "attrs": ["retry-now", "temp"]}
		}
	}`)

	em, err := Decode(body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if em.Version != 2 {
		t.Fatalf("version mismatch: got %d", em.Version)
	}

	entry, ok := em.Lookup(0x23)
	if !ok || entry.Name != "TOO_BIG" {
		t.Fatalf("expected TOO_BIG entry, got %+v ok=%v", entry, ok)
	}

	if !em.Retriable(0x86) {
		t.Fatal("expected 0x86 to be retriable via retry-now attribute")
	}
	if em.Retriable(0x23) {
		t.Fatal("did not expect 0x23 to be retriable")
	}
}
