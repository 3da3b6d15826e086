// Package relay implements the validator (C6): per-DID ordered verification of incoming commit
// and sync messages before they are admitted to the firehose log.
package relay

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/atpcore/federation/atproto/identity"
	"github.com/atpcore/federation/atproto/repo"
	"github.com/atpcore/federation/atproto/syntax"
	"github.com/atpcore/federation/relay/firehose"

	"github.com/ipfs/go-cid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const defaultMaxRevFuture = time.Hour

var (
	commitVerifyStarts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_commit_verify_starts_total",
		Help: "Commit verification attempts started.",
	})
	commitVerifyErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_commit_verify_errors_total",
		Help: "Commit verification failures, by host and reason code.",
	}, []string{"host", "reason"})
	commitVerifyWarnings = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_commit_verify_warnings_total",
		Help: "Commit verifications that passed with a warning, by host and reason code.",
	}, []string{"host", "reason"})
	commitVerifyOkish = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_commit_verify_okish_total",
		Help: "Commit verifications that passed via a legacy/compat path, by host and reason code.",
	}, []string{"host", "reason"})
	commitVerifyOk = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_commit_verify_ok_total",
		Help: "Commit verifications that passed cleanly, by host.",
	}, []string{"host"})
	syncVerifyErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_sync_verify_errors_total",
		Help: "#sync message verification failures, by host and reason code.",
	}, []string{"host", "reason"})
)

// Validator verifies #commit and #sync messages before they reach the firehose log.
type Validator struct {
	lklk      sync.Mutex
	userLocks map[string]*userLock

	log       *slog.Logger
	directory identity.Directory

	maxRevFuture       time.Duration
	ErrRevTooFarFuture error

	// AllowSignatureNotFound is a debug-only escape hatch that lets a commit pass, with only a
	// warning counter bump, when the signing DID can't be resolved at all. Ground truth
	// (rsky-relay's validator/manager.rs) never does this: on a resolver miss it queues the raw
	// bytes per-DID and withholds seq, re-verifying once the identity resolves, rather than
	// admitting an unverified commit. This module does not implement that queue-and-retry path,
	// so the safe default is to reject instead: spec §3/§4.6 treat signature verification as
	// mandatory, and nothing in this codebase ever sets this true. Leave it false in production;
	// it exists only so a test can construct a Validator against a directory it knows will 404.
	AllowSignatureNotFound bool
}

func NewValidator(directory identity.Directory) *Validator {
	maxRevFuture := defaultMaxRevFuture
	return &Validator{
		userLocks:          make(map[string]*userLock),
		log:                slog.Default().With("system", "validator"),
		directory:          directory,
		maxRevFuture:       maxRevFuture,
		ErrRevTooFarFuture: fmt.Errorf("new rev is > %s in the future", maxRevFuture),
	}
}

type userLock struct {
	lk      sync.Mutex
	waiters atomic.Int32
}

// lockDID re-serializes verification per-DID: commits for one repo must be validated (and thus
// assigned a seq) in the order they were received, even when many hosts' events are being
// processed by a shared worker pool concurrently.
func (v *Validator) lockDID(did string) func() {
	v.lklk.Lock()
	ulk, ok := v.userLocks[did]
	if !ok {
		ulk = &userLock{}
		v.userLocks[did] = ulk
	}
	ulk.waiters.Add(1)
	v.lklk.Unlock()

	ulk.lk.Lock()

	return func() {
		v.lklk.Lock()
		defer v.lklk.Unlock()
		ulk.lk.Unlock()
		if ulk.waiters.Add(-1) == 0 {
			delete(v.userLocks, did)
		}
	}
}

type revOutOfOrderError struct{ dt time.Duration }

func (e *revOutOfOrderError) Error() string {
	return fmt.Sprintf("%s: new rev is before previous rev by %s", repo.ErrRevNotMonotonic, e.dt)
}

func (e *revOutOfOrderError) Unwrap() error { return repo.ErrRevNotMonotonic }

// HandleCommit verifies msg and returns the new MST root CID once it's internally consistent.
func (v *Validator) HandleCommit(ctx context.Context, hostname, did string, msg *firehose.CommitBody, prevRev *syntax.TID, prevData *cid.Cid) (*cid.Cid, *repo.Repo, error) {
	unlock := v.lockDID(did)
	defer unlock()

	repoFragment, err := v.VerifyCommitMessage(ctx, hostname, msg, prevRev, prevData)
	if err != nil {
		return nil, nil, err
	}
	newRoot, err := repoFragment.MST.RootCID(ctx)
	if err != nil {
		return nil, nil, err
	}
	return &newRoot, repoFragment, nil
}

// VerifyCommitMessage checks a received #commit body end-to-end: rev monotonicity and clock
// skew, CAR decode, signature, that every create/update op's claimed record CID is actually
// present in the CAR and resolves through the MST, and (if prevData was supplied) that
// inverting the ops against the new tree reproduces the claimed previous root.
func (v *Validator) VerifyCommitMessage(ctx context.Context, hostname string, msg *firehose.CommitBody, prevRev *syntax.TID, prevData *cid.Cid) (*repo.Repo, error) {
	hasWarning := false
	commitVerifyStarts.Inc()

	did, err := syntax.ParseDID(msg.Repo)
	if err != nil {
		commitVerifyErrors.WithLabelValues(hostname, "did").Inc()
		return nil, err
	}
	rev, err := syntax.ParseTID(msg.Rev)
	if err != nil {
		commitVerifyErrors.WithLabelValues(hostname, "tid").Inc()
		return nil, err
	}
	if prevRev != nil && rev.Time().Before(prevRev.Time()) {
		commitVerifyErrors.WithLabelValues(hostname, "revb").Inc()
		return nil, &revOutOfOrderError{dt: prevRev.Time().Sub(rev.Time())}
	}
	if rev.Time().After(time.Now().Add(v.maxRevFuture)) {
		commitVerifyErrors.WithLabelValues(hostname, "revf").Inc()
		return nil, v.ErrRevTooFarFuture
	}
	if _, err := syntax.ParseDatetime(msg.Time); err != nil {
		commitVerifyErrors.WithLabelValues(hostname, "time").Inc()
		return nil, err
	}

	if msg.TooBig {
		commitVerifyWarnings.WithLabelValues(hostname, "big").Inc()
		v.log.Warn("commit tooBig", "seq", msg.Seq, "host", hostname, "repo", msg.Repo)
		hasWarning = true
	}
	if msg.Rebase {
		commitVerifyWarnings.WithLabelValues(hostname, "reb").Inc()
		v.log.Warn("commit rebase", "seq", msg.Seq, "host", hostname, "repo", msg.Repo)
		hasWarning = true
	}

	commit, repoFragment, err := repo.LoadRepoFromCAR(ctx, bytes.NewReader(msg.Blocks))
	if err != nil {
		commitVerifyErrors.WithLabelValues(hostname, "car").Inc()
		return nil, err
	}
	if commit.Rev != rev.String() {
		commitVerifyErrors.WithLabelValues(hostname, "rev").Inc()
		return nil, fmt.Errorf("%w: rev did not match commit", repo.ErrInvalidCommit)
	}
	if commit.DID != did.String() {
		commitVerifyErrors.WithLabelValues(hostname, "did2").Inc()
		return nil, fmt.Errorf("%w: repo did not match commit", repo.ErrInvalidCommit)
	}

	if err := v.VerifyCommitSignature(ctx, commit, hostname, &hasWarning); err != nil {
		return nil, err
	}

	for _, op := range msg.Ops {
		if (op.Action == "create" || op.Action == "update") && op.Cid != nil {
			nsid, rkey, err := syntax.ParseRepoPath(op.Path)
			if err != nil {
				commitVerifyErrors.WithLabelValues(hostname, "opp").Inc()
				return nil, fmt.Errorf("relay: invalid repo path in ops list: %w", err)
			}
			c, err := repoFragment.GetRecordCID(ctx, nsid, rkey)
			if err != nil {
				commitVerifyErrors.WithLabelValues(hostname, "rcid").Inc()
				return nil, err
			}
			if !c.Equals(*op.Cid) {
				commitVerifyErrors.WithLabelValues(hostname, "opc").Inc()
				return nil, fmt.Errorf("relay: record op doesn't match MST tree value")
			}
			if _, _, err := repoFragment.GetRecordBytes(ctx, nsid, rkey); err != nil {
				commitVerifyErrors.WithLabelValues(hostname, "rec").Inc()
				return nil, err
			}
		}
	}

	for _, op := range msg.Ops {
		if (op.Action == "delete" || op.Action == "update") && op.Prev == nil {
			v.log.Warn("commit op missing prev, cannot invert", "action", op.Action, "seq", msg.Seq, "host", hostname, "repo", msg.Repo)
			commitVerifyOkish.WithLabelValues(hostname, op.Action[:3]).Inc()
			return repoFragment, nil
		}
	}

	if msg.PrevData == nil {
		commitVerifyOkish.WithLabelValues(hostname, "old").Inc()
		return repoFragment, nil
	}

	if prevData != nil && !prevData.Equals(*msg.PrevData) {
		commitVerifyWarnings.WithLabelValues(hostname, "pr").Inc()
		v.log.Warn("commit prevData mismatch", "seq", msg.Seq, "host", hostname, "repo", msg.Repo)
		hasWarning = true
	}

	ops, err := ParseCommitOps(msg.Ops)
	if err != nil {
		commitVerifyErrors.WithLabelValues(hostname, "pop").Inc()
		return nil, err
	}
	ops, err = repo.NormalizeOps(ops)
	if err != nil {
		commitVerifyErrors.WithLabelValues(hostname, "nop").Inc()
		return nil, err
	}
	invTree := repoFragment.MST.Copy()
	for _, op := range ops {
		if err := repo.InvertOp(ctx, &invTree, &op); err != nil {
			commitVerifyErrors.WithLabelValues(hostname, "inv").Inc()
			return nil, err
		}
	}
	computed, err := invTree.RootCID(ctx)
	if err != nil {
		commitVerifyErrors.WithLabelValues(hostname, "it").Inc()
		return nil, err
	}
	if !computed.Equals(*msg.PrevData) {
		commitVerifyErrors.WithLabelValues(hostname, "pd").Inc()
		return nil, fmt.Errorf("%w: inverted tree root didn't match prevData", repo.ErrWrongPrevCommit)
	}

	switch {
	case prevData == nil:
		commitVerifyOkish.WithLabelValues(hostname, "new").Inc()
	case hasWarning:
		commitVerifyOkish.WithLabelValues(hostname, "warn").Inc()
	default:
		commitVerifyOk.WithLabelValues(hostname).Inc()
	}
	return repoFragment, nil
}

// HandleSync verifies a #sync message's signed commit and returns its data root.
func (v *Validator) HandleSync(ctx context.Context, hostname string, msg *firehose.SyncBody) (*cid.Cid, error) {
	did, err := syntax.ParseDID(msg.Did)
	if err != nil {
		syncVerifyErrors.WithLabelValues(hostname, "did").Inc()
		return nil, err
	}
	rev, err := syntax.ParseTID(msg.Rev)
	if err != nil {
		syncVerifyErrors.WithLabelValues(hostname, "tid").Inc()
		return nil, err
	}
	if rev.Time().After(time.Now().Add(v.maxRevFuture)) {
		syncVerifyErrors.WithLabelValues(hostname, "revf").Inc()
		return nil, v.ErrRevTooFarFuture
	}
	if _, err := syntax.ParseDatetime(msg.Time); err != nil {
		syncVerifyErrors.WithLabelValues(hostname, "time").Inc()
		return nil, err
	}

	commit, _, err := repo.LoadCommitFromCAR(ctx, bytes.NewReader(msg.Blocks))
	if err != nil {
		commitVerifyErrors.WithLabelValues(hostname, "car").Inc()
		return nil, err
	}
	if commit.Rev != rev.String() {
		commitVerifyErrors.WithLabelValues(hostname, "rev").Inc()
		return nil, fmt.Errorf("%w: rev did not match commit", repo.ErrInvalidCommit)
	}
	if commit.DID != did.String() {
		commitVerifyErrors.WithLabelValues(hostname, "did2").Inc()
		return nil, fmt.Errorf("%w: did not match commit", repo.ErrInvalidCommit)
	}

	hasWarning := false
	if err := v.VerifyCommitSignature(ctx, commit, hostname, &hasWarning); err != nil {
		return nil, err
	}
	return &commit.Data, nil
}

// ParseCommitOps converts wire-level ops in to repo.Operation, validating the create/
// update/delete field-presence invariants spec §6 requires.
func ParseCommitOps(ops []firehose.RepoOp) ([]repo.Operation, error) {
	out := make([]repo.Operation, 0, len(ops))
	for _, rop := range ops {
		switch rop.Action {
		case "create":
			if rop.Cid == nil || rop.Prev != nil {
				return nil, fmt.Errorf("relay: invalid repoOp: create")
			}
			out = append(out, repo.Operation{Path: rop.Path, Prev: nil, Value: rop.Cid})
		case "delete":
			if rop.Cid != nil || rop.Prev == nil {
				return nil, fmt.Errorf("relay: invalid repoOp: delete")
			}
			out = append(out, repo.Operation{Path: rop.Path, Prev: rop.Prev, Value: nil})
		case "update":
			if rop.Cid == nil || rop.Prev == nil {
				return nil, fmt.Errorf("relay: invalid repoOp: update")
			}
			out = append(out, repo.Operation{Path: rop.Path, Prev: rop.Prev, Value: rop.Cid})
		default:
			return nil, fmt.Errorf("relay: invalid repoOp action: %s", rop.Action)
		}
	}
	return out, nil
}

// VerifyCommitSignature resolves commit.DID's current signing key and checks commit.Sig
// against it. hostname is only used to label metrics.
func (v *Validator) VerifyCommitSignature(ctx context.Context, commit *repo.Commit, hostname string, hasWarning *bool) error {
	if v.directory == nil {
		return nil
	}
	did, err := syntax.ParseDID(commit.DID)
	if err != nil {
		commitVerifyErrors.WithLabelValues(hostname, "sig1").Inc()
		return fmt.Errorf("relay: bad commit DID: %w", err)
	}
	ident, err := v.directory.LookupDID(ctx, did)
	if err != nil {
		if v.AllowSignatureNotFound {
			commitVerifyWarnings.WithLabelValues(hostname, "nok").Inc()
			if hasWarning != nil {
				*hasWarning = true
			}
			return nil
		}
		commitVerifyErrors.WithLabelValues(hostname, "sig2").Inc()
		return fmt.Errorf("relay: DID lookup failed: %w", err)
	}
	pk, err := ident.PublicKey()
	if err != nil {
		commitVerifyErrors.WithLabelValues(hostname, "sig3").Inc()
		return fmt.Errorf("relay: no atproto pubkey: %w", err)
	}
	if err := commit.VerifySignature(pk); err != nil {
		commitVerifyErrors.WithLabelValues(hostname, "sig4").Inc()
		return fmt.Errorf("relay: invalid signature: %w", err)
	}
	return nil
}
