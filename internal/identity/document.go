package identity

import (
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"time"

	"github.com/mr-tron/base58/base58"

	"aim-chat/identity-core/pkg/models"
)

const (
	ContextDID          = "https://w3id.org/did/v1"
	SigningKeyType      = "Ed25519VerificationKey2018"
	KeyAgreementKeyType = "X25519KeyAgreementKey2019"
	ProofType           = "Ed25519Signature2018"

	signingKeyFragment   = "#keys-1"
	agreementKeyFragment = "#keys-2"
	proofDomain          = "aim/did-document/v1"
)

var (
	ErrDocumentMismatch = errors.New("did document does not match its did")
	ErrDocumentProof    = errors.New("did document proof is invalid")
	ErrNoKeyAgreement   = errors.New("did document has no key agreement key")
)

// BuildDocument lays out the DID document for a freshly generated identity.
func BuildDocument(did string, signingPublicKey, agreementPublicKey []byte) models.DIDDocument {
	signID := did + signingKeyFragment
	agreeID := did + agreementKeyFragment
	return models.DIDDocument{
		Context: []string{ContextDID},
		ID:      did,
		PublicKey: []models.VerificationMethod{
			{ID: signID, Type: SigningKeyType, Controller: did, PublicKeyBase58: base58.Encode(signingPublicKey)},
			{ID: agreeID, Type: KeyAgreementKeyType, Controller: did, PublicKeyBase58: base58.Encode(agreementPublicKey)},
		},
		Authentication:  []string{signID},
		AssertionMethod: []string{signID},
		KeyAgreement:    []string{agreeID},
	}
}

// StubDocument is the minimum known about an unknown did: its signing key.
func StubDocument(did string) (models.DIDDocument, error) {
	_, pub, err := ParseDID(did)
	if err != nil {
		return models.DIDDocument{}, err
	}
	signID := did + signingKeyFragment
	return models.DIDDocument{
		Context: []string{ContextDID},
		ID:      did,
		PublicKey: []models.VerificationMethod{
			{ID: signID, Type: SigningKeyType, Controller: did, PublicKeyBase58: base58.Encode(pub)},
		},
		Authentication:  []string{signID},
		AssertionMethod: []string{signID},
		KeyAgreement:    []string{},
	}, nil
}

// SignDocument attaches a proof made with the identity's signing key.
func SignDocument(doc models.DIDDocument, signingKey ed25519.PrivateKey, created time.Time) (models.DIDDocument, error) {
	doc.Proof = nil
	proof := models.DocumentProof{
		Type:               ProofType,
		Created:            created.UTC().Truncate(time.Second),
		VerificationMethod: doc.ID + signingKeyFragment,
	}
	msg, err := proofInput(doc, proof)
	if err != nil {
		return models.DIDDocument{}, err
	}
	proof.SignatureBase58 = base58.Encode(ed25519.Sign(signingKey, msg))
	doc.Proof = &proof
	return doc, nil
}

// VerifyDocument checks that the document's signing key is the one its did
// encodes and, when a proof is attached, that the proof holds.
func VerifyDocument(doc models.DIDDocument) error {
	pub, err := SigningKeyOf(doc)
	if err != nil {
		return err
	}
	if doc.Proof == nil {
		return nil
	}
	proof := *doc.Proof
	if proof.Type != ProofType || proof.VerificationMethod != doc.ID+signingKeyFragment {
		return ErrDocumentProof
	}
	sig, err := base58.Decode(proof.SignatureBase58)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return ErrDocumentProof
	}
	unsigned := doc
	unsigned.Proof = nil
	proof.SignatureBase58 = ""
	msg, err := proofInput(unsigned, proof)
	if err != nil {
		return err
	}
	if !ed25519.Verify(pub, msg, sig) {
		return ErrDocumentProof
	}
	return nil
}

// SigningKeyOf returns the Ed25519 key the did encodes, after checking the
// document lists the same key for authentication.
func SigningKeyOf(doc models.DIDDocument) (ed25519.PublicKey, error) {
	_, pub, err := ParseDID(doc.ID)
	if err != nil {
		return nil, err
	}
	method, ok := findMethod(doc, doc.ID+signingKeyFragment, SigningKeyType)
	if !ok || !contains(doc.Authentication, method.ID) {
		return nil, ErrDocumentMismatch
	}
	listed, err := base58.Decode(method.PublicKeyBase58)
	if err != nil || !pub.Equal(ed25519.PublicKey(listed)) {
		return nil, ErrDocumentMismatch
	}
	return pub, nil
}

// AgreementKeyOf returns the X25519 public key bound through keyAgreement.
func AgreementKeyOf(doc models.DIDDocument) ([]byte, error) {
	for _, ref := range doc.KeyAgreement {
		method, ok := findMethod(doc, ref, KeyAgreementKeyType)
		if !ok || method.Controller != doc.ID {
			continue
		}
		raw, err := base58.Decode(method.PublicKeyBase58)
		if err != nil || len(raw) != 32 {
			return nil, ErrDocumentMismatch
		}
		return raw, nil
	}
	return nil, ErrNoKeyAgreement
}

func findMethod(doc models.DIDDocument, id, typ string) (models.VerificationMethod, bool) {
	for _, method := range doc.PublicKey {
		if method.ID == id && method.Type == typ {
			return method, true
		}
	}
	return models.VerificationMethod{}, false
}

func contains(items []string, want string) bool {
	for _, item := range items {
		if item == want {
			return true
		}
	}
	return false
}

func proofInput(doc models.DIDDocument, proof models.DocumentProof) ([]byte, error) {
	body, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(proofDomain)+len(body)+64)
	out = append(out, proofDomain...)
	out = append(out, 0)
	out = append(out, body...)
	out = append(out, 0)
	out = append(out, proof.Created.UTC().Format(time.RFC3339)...)
	out = append(out, 0)
	out = append(out, proof.VerificationMethod...)
	return out, nil
}
