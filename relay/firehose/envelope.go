package firehose

import "fmt"

// Envelope is a frame decoded all the way down to its typed body, used by code that needs to
// branch on message type (the crawler's inbound side, the relay's outbound republish path).
type Envelope struct {
	Header   Header
	Commit   *CommitBody
	Sync     *SyncBody
	Identity *IdentityBody
	Account  *AccountBody
	Info     *InfoBody
}

// DecodeEnvelope parses a raw websocket message in to a typed Envelope.
func DecodeEnvelope(frame []byte) (*Envelope, error) {
	h, body, err := ParseFrame(frame)
	if err != nil {
		return nil, err
	}
	env := &Envelope{Header: h}
	if h.Op == FrameOpError {
		var info InfoBody
		if err := DecodeBody(body, &info); err != nil {
			return nil, fmt.Errorf("firehose: decoding error frame: %w", err)
		}
		env.Info = &info
		return env, nil
	}
	switch h.T {
	case TypeCommit:
		var b CommitBody
		if err := DecodeBody(body, &b); err != nil {
			return nil, err
		}
		env.Commit = &b
	case TypeSync:
		var b SyncBody
		if err := DecodeBody(body, &b); err != nil {
			return nil, err
		}
		env.Sync = &b
	case TypeIdentity:
		var b IdentityBody
		if err := DecodeBody(body, &b); err != nil {
			return nil, err
		}
		env.Identity = &b
	case TypeAccount:
		var b AccountBody
		if err := DecodeBody(body, &b); err != nil {
			return nil, err
		}
		env.Account = &b
	case TypeInfo:
		var b InfoBody
		if err := DecodeBody(body, &b); err != nil {
			return nil, err
		}
		env.Info = &b
	default:
		return nil, fmt.Errorf("firehose: unknown frame type %q", h.T)
	}
	return env, nil
}

// Seq returns the sequence number carried by whichever body is set, or 0 for #info frames.
func (e *Envelope) Seq() int64 {
	switch {
	case e.Commit != nil:
		return e.Commit.Seq
	case e.Sync != nil:
		return e.Sync.Seq
	case e.Identity != nil:
		return e.Identity.Seq
	case e.Account != nil:
		return e.Account.Seq
	default:
		return 0
	}
}
