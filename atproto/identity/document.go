// Package identity implements atproto DID and handle resolution (spec §4.9/§4.10): resolving
// a did:plc or did:web identifier to its DID document, extracting the repo signing key, PDS
// endpoint, and declared handle, and the reverse handle-to-DID lookup.
package identity

import (
	"fmt"
	"strings"

	"github.com/atpcore/federation/atproto/crypto"
	"github.com/atpcore/federation/atproto/syntax"
)

// Document is the subset of a DID document atproto actually consumes.
type Document struct {
	ID                 string              `json:"id"`
	AlsoKnownAs        []string            `json:"alsoKnownAs"`
	VerificationMethod []verificationMethod `json:"verificationMethod"`
	Service            []service           `json:"service"`
}

type verificationMethod struct {
	ID                 string `json:"id"`
	Type               string `json:"type"`
	Controller         string `json:"controller"`
	PublicKeyMultibase string `json:"publicKeyMultibase"`
}

type service struct {
	ID              string `json:"id"`
	Type            string `json:"type"`
	ServiceEndpoint string `json:"serviceEndpoint"`
}

const atprotoSigningKeyID = "#atproto"
const atprotoPDSServiceID = "#atproto_pds"

// Handle returns the document's declared handle, if any (the first at:// alsoKnownAs entry).
func (d *Document) Handle() (string, bool) {
	for _, aka := range d.AlsoKnownAs {
		if strings.HasPrefix(aka, "at://") {
			return strings.TrimPrefix(aka, "at://"), true
		}
	}
	return "", false
}

// PDSEndpoint returns the document's declared PDS service endpoint.
func (d *Document) PDSEndpoint() (string, bool) {
	for _, s := range d.Service {
		if s.ID == atprotoPDSServiceID || strings.HasSuffix(s.ID, atprotoPDSServiceID) {
			return s.ServiceEndpoint, true
		}
	}
	return "", false
}

// PublicKey returns the document's repo signing key (the "#atproto" verificationMethod).
func (d *Document) PublicKey() (crypto.PublicKey, error) {
	for _, vm := range d.VerificationMethod {
		if vm.ID == d.ID+atprotoSigningKeyID || strings.HasSuffix(vm.ID, atprotoSigningKeyID) {
			if vm.PublicKeyMultibase == "" {
				return nil, fmt.Errorf("identity: %s: %s verificationMethod has no publicKeyMultibase", d.ID, atprotoSigningKeyID)
			}
			return crypto.ParsePublicMultibase(vm.PublicKeyMultibase)
		}
	}
	return nil, fmt.Errorf("identity: %s: no %s verificationMethod", d.ID, atprotoSigningKeyID)
}

// Identity is the resolved, validated view of one actor: their DID document plus the handle
// and signing key pulled out of it, as consumed by the validator (spec §4.6) and indexer.
type Identity struct {
	DID     syntax.DID
	Doc     Document
	Handle  string
	HasHandle bool
}

func (i *Identity) PublicKey() (crypto.PublicKey, error) { return i.Doc.PublicKey() }
func (i *Identity) PDSEndpoint() (string, bool)           { return i.Doc.PDSEndpoint() }

func newIdentity(did syntax.DID, doc Document) *Identity {
	handle, ok := doc.Handle()
	return &Identity{DID: did, Doc: doc, Handle: handle, HasHandle: ok}
}
