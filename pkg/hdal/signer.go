package hdal

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/gowebpki/jcs"
	"golang.org/x/crypto/hkdf"

	"github.com/Mindburn-Labs/icgl/pkg/contracts"
)

// MinSecretLen is the shortest master secret accepted by NewSigner.
const MinSecretLen = 16

// signedPayload is the canonical content covered by a decision signature.
type signedPayload struct {
	ProposalID string `json:"proposal_id"`
	Action     string `json:"action"`
	Rationale  string `json:"rationale"`
	SignerID   string `json:"signer_id"`
	Timestamp  string `json:"timestamp"`
}

// Signer produces keyed digests over decision content. Each signer identity
// gets its own HMAC key derived from the master secret with HKDF.
type Signer struct {
	master []byte
}

// NewSigner creates a signer from a master secret.
func NewSigner(secret []byte) (*Signer, error) {
	if len(secret) < MinSecretLen {
		return nil, fmt.Errorf("hdal: signing secret must be at least %d bytes", MinSecretLen)
	}
	return &Signer{master: append([]byte(nil), secret...)}, nil
}

func (s *Signer) keyFor(signerID string) ([]byte, error) {
	r := hkdf.New(sha256.New, s.master, []byte("icgl-hdal-signer"), []byte(signerID))
	key := make([]byte, sha256.Size)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("HKDF derivation failed: %w", err)
	}
	return key, nil
}

// CanonicalPayload returns the RFC 8785 canonical JSON covered by the signature.
func CanonicalPayload(d *contracts.HumanDecision) ([]byte, error) {
	raw, err := json.Marshal(signedPayload{
		ProposalID: d.ProposalID,
		Action:     string(d.Action),
		Rationale:  d.Rationale,
		SignerID:   d.SignerID,
		Timestamp:  d.Timestamp.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, err
	}
	return jcs.Transform(raw)
}

// Sign returns the hex signature hash for d.
func (s *Signer) Sign(d *contracts.HumanDecision) (string, error) {
	if d == nil {
		return "", errors.New("hdal: nil decision")
	}
	payload, err := CanonicalPayload(d)
	if err != nil {
		return "", fmt.Errorf("hdal: canonicalize decision: %w", err)
	}
	key, err := s.keyFor(d.SignerID)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify checks that d carries a valid signature for its content.
func (s *Signer) Verify(d *contracts.HumanDecision) error {
	if d == nil || d.SignatureHash == "" {
		return contracts.NewError(contracts.CodeSignatureError, "decision carries no signature")
	}
	want, err := s.Sign(d)
	if err != nil {
		return contracts.WrapError(contracts.CodeSignatureError, err, "cannot recompute signature for %s", d.ID)
	}
	got, err := hex.DecodeString(d.SignatureHash)
	if err != nil {
		return contracts.NewError(contracts.CodeSignatureError, "decision %s signature is not hex", d.ID)
	}
	wantRaw, _ := hex.DecodeString(want)
	if !hmac.Equal(got, wantRaw) {
		return contracts.NewError(contracts.CodeSignatureError, "decision %s signature does not match its content", d.ID)
	}
	return nil
}
