package verify

import (
	"errors"
	"strings"
	"testing"

	"RemoteSettings/collection"
)

func TestNoop_AcceptsEverything(t *testing.T) {
	cases := []*collection.Collection{
		collection.New("main", "empty"),
		{Bucket: "main", Name: "unsigned", Records: []collection.Record{{"id": "a"}}},
		{Bucket: "main", Name: "garbage-signature", Signature: []byte("junk")},
	}

	for _, c := range cases {
		if err := (Noop{}).Verify(c); err != nil {
			t.Errorf("Noop rejected %s: %v", c.Name, err)
		}
	}
}

func TestSkips(t *testing.T) {
	key, _ := GenerateBLSKey()
	bls, _ := NewBLS(key.PublicKeyBytes())

	if !Skips(Noop{}) || !Skips(&Noop{}) || !Skips(nil) {
		t.Error("Noop and nil should be reported as skipping verification")
	}

	if Skips(bls) {
		t.Error("BLS verifier should not be reported as skipping")
	}

	if Name(Noop{}) != "none" {
		t.Errorf("Name(Noop) = %q, want none", Name(Noop{}))
	}

	if !strings.HasPrefix(Name(bls), "bls(") {
		t.Errorf("Name(bls) = %q", Name(bls))
	}
}

func TestChain(t *testing.T) {
	reject := VerifierFunc(func(c *collection.Collection) error {
		return &SignatureError{Reason: ErrUntrusted}
	})

	calls := 0
	count := VerifierFunc(func(c *collection.Collection) error {
		calls++
		return nil
	})

	c := collection.New("main", "cfg")

	if err := Chain(count, count).Verify(c); err != nil || calls != 2 {
		t.Errorf("chain of passing verifiers: err=%v calls=%d", err, calls)
	}

	if err := Chain(count, reject, count).Verify(c); !errors.Is(err, ErrUntrusted) {
		t.Errorf("expected ErrUntrusted, got %v", err)
	}

	if calls != 3 {
		t.Errorf("chain should stop at the first failure, calls=%d", calls)
	}
}

func TestSignatureError(t *testing.T) {
	cause := errors.New("bad digest")
	err := error(&SignatureError{Reason: ErrInvalidSignature, Err: cause})

	if !errors.Is(err, ErrSignature) || !errors.Is(err, ErrInvalidSignature) || !errors.Is(err, cause) {
		t.Errorf("errors.Is chain broken for %v", err)
	}

	if !strings.Contains(err.Error(), "invalid signature") {
		t.Errorf("message missing reason: %q", err.Error())
	}
}

func TestChain_Skips(t *testing.T) {
	key, _ := GenerateBLSKey()
	bls, _ := NewBLS(key.PublicKeyBytes())

	if !Skips(Chain(Noop{})) || !Skips(Chain(Noop{}, nil)) || !Skips(Chain()) {
		t.Error("chain of skipping verifiers should skip")
	}

	if Skips(Chain(Noop{}, bls)) {
		t.Error("chain with a real verifier should not skip")
	}

	if got := Name(Chain(Noop{}, bls)); got != "chain(none, bls(1 keys))" {
		t.Errorf("Name(chain) = %q", got)
	}

	if err := Chain(nil, Noop{}).Verify(collection.New("main", "cfg")); err != nil {
		t.Errorf("nil member should be ignored, got %v", err)
	}
}
