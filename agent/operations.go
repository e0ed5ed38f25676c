package agent

import (
	"context"
	"encoding/binary"

	"github.com/couchbase/cbcore/cbconfig"
	"github.com/couchbase/cbcore/corerr"
	"github.com/couchbase/cbcore/dispatcher"
	"github.com/couchbase/cbcore/locator"
	"github.com/couchbase/cbcore/memd"
)

// UpsertResult is the outcome of a successful Upsert, per spec.md §8
// scenario 1: "{status:SUCCESS, cas:42, token:{uuid:7,seq:11}}".
type UpsertResult struct {
	CAS   uint64
	Token memd.MutationToken
}

// UpsertOptions are the per-call overrides spec.md §4.1's SET extras carry.
type UpsertOptions struct {
	Flags      uint32
	Expiration uint32
	CAS        uint64
}

// Upsert stores value under key unconditionally (CAS=0) or as a
// compare-and-swap if opts.CAS is set. Per spec.md §4.1's compression
// policy, value is snappy-compressed before it goes on the wire whenever
// it is large enough and compresses well enough (a.cfg.Compression).
func (a *Agent) Upsert(ctx context.Context, key, value []byte, opts UpsertOptions) (UpsertResult, error) {
	extras := make([]byte, 8)
	binary.BigEndian.PutUint32(extras[0:4], opts.Flags)
	binary.BigEndian.PutUint32(extras[4:8], opts.Expiration)

	wire, compressed := a.cfg.Compression.MaybeCompress(value)
	var dt memd.DataType
	if compressed {
		dt = dt.With(memd.DataTypeSnappy)
	}

	req := dispatcher.Request{
		Opcode:     memd.CmdSet,
		Hint:       locator.RoutingHint{Key: key},
		Service:    cbconfig.ServiceKV,
		CAS:        opts.CAS,
		DataType:   dt,
		Extras:     extras,
		Key:        key,
		Value:      wire,
		BucketName: a.cfg.Bucket,
		Deadline:   a.deadline(),
	}
	res, err := a.disp.Dispatch(ctx, req)
	if err != nil {
		return UpsertResult{}, err
	}

	token, _ := memd.ExtractMutationToken(len(res.Packet.Extras) >= 16, a.cfg.Bucket, res.Packet.Extras)
	return UpsertResult{CAS: res.Packet.CAS, Token: token}, nil
}

// GetResult is the outcome of a successful Get.
type GetResult struct {
	Value []byte
	Flags uint32
	CAS   uint64
}

// Get fetches the current value and flags for key, reversing any
// compression the server reports on the response's datatype byte.
func (a *Agent) Get(ctx context.Context, key []byte) (GetResult, error) {
	req := dispatcher.Request{
		Opcode:     memd.CmdGet,
		Hint:       locator.RoutingHint{Key: key},
		Service:    cbconfig.ServiceKV,
		Key:        key,
		BucketName: a.cfg.Bucket,
		Deadline:   a.deadline(),
	}
	res, err := a.disp.Dispatch(ctx, req)
	if err != nil {
		return GetResult{}, err
	}

	value, err := memd.Decompress(res.Packet.DataType, res.Packet.Value)
	if err != nil {
		return GetResult{}, corerr.New(corerr.ProgrammerError, "kv", "", uint16(res.Packet.Status), 0, err)
	}

	var flags uint32
	if len(res.Packet.Extras) >= 4 {
		flags = binary.BigEndian.Uint32(res.Packet.Extras[0:4])
	}
	return GetResult{Value: value, Flags: flags, CAS: res.Packet.CAS}, nil
}

// Remove deletes key, optionally bound to a specific CAS.
func (a *Agent) Remove(ctx context.Context, key []byte, cas uint64) error {
	req := dispatcher.Request{
		Opcode:     memd.CmdDelete,
		Hint:       locator.RoutingHint{Key: key},
		Service:    cbconfig.ServiceKV,
		CAS:        cas,
		Key:        key,
		BucketName: a.cfg.Bucket,
		Deadline:   a.deadline(),
	}
	_, err := a.disp.Dispatch(ctx, req)
	return err
}

// SubdocResult is the outcome of a sub-document multi-command request.
type SubdocResult struct {
	CAS   uint64
	PerOp []memd.SubdocOpResult
}

// SubdocMutateOptions control the multi-mutate frame's doc-level extras.
type SubdocMutateOptions struct {
	CreateDocument bool
	Expiration     uint32
	CAS            uint64
}

// SubdocMutate runs an ordered multi-mutate command list against key, per
// spec.md §8 scenario 3.
func (a *Agent) SubdocMutate(ctx context.Context, key []byte, cmds []memd.SubdocCommand, opts SubdocMutateOptions) (SubdocResult, error) {
	var docFlags memd.DocFlag
	if opts.CreateDocument {
		docFlags |= memd.DocFlagMkDoc
	}
	extras, body := memd.EncodeMultiMutateBody(docFlags, opts.Expiration, cmds)

	req := dispatcher.Request{
		Opcode:     memd.CmdSubDocMultiMutation,
		Hint:       locator.RoutingHint{Key: key},
		Service:    cbconfig.ServiceKV,
		CAS:        opts.CAS,
		Extras:     extras,
		Key:        key,
		Value:      body,
		BucketName: a.cfg.Bucket,
		Deadline:   a.deadline(),
	}
	res, err := a.disp.Dispatch(ctx, req)
	if err != nil {
		return SubdocResult{}, err
	}

	perOp, decodeErr := memd.DecodeMultiResultBody(res.Packet.Value)
	if decodeErr != nil {
		return SubdocResult{}, corerr.New(corerr.ProgrammerError, "kv", "", uint16(res.Packet.Status), 0, decodeErr)
	}

	outcome := memd.FoldMultiMutateStatus(res.Packet.Status, len(cmds), perOp)
	if outcome.FrameStatus != memd.ClassSuccess {
		return SubdocResult{PerOp: outcome.PerOp}, corerr.New(corerr.SubDocumentError, "kv", "", uint16(res.Packet.Status), 0, nil)
	}
	return SubdocResult{CAS: res.Packet.CAS, PerOp: outcome.PerOp}, nil
}

// SubdocLookup runs an ordered multi-lookup command list against key.
func (a *Agent) SubdocLookup(ctx context.Context, key []byte, cmds []memd.SubdocCommand) (SubdocResult, error) {
	body := memd.EncodeMultiLookupBody(cmds)

	req := dispatcher.Request{
		Opcode:     memd.CmdSubDocMultiLookup,
		Hint:       locator.RoutingHint{Key: key},
		Service:    cbconfig.ServiceKV,
		Key:        key,
		Value:      body,
		BucketName: a.cfg.Bucket,
		Deadline:   a.deadline(),
	}
	res, err := a.disp.Dispatch(ctx, req)
	if err != nil {
		return SubdocResult{}, err
	}

	perOp, decodeErr := memd.DecodeMultiResultBody(res.Packet.Value)
	if decodeErr != nil {
		return SubdocResult{}, corerr.New(corerr.ProgrammerError, "kv", "", uint16(res.Packet.Status), 0, decodeErr)
	}
	outcome := memd.FoldMultiMutateStatus(res.Packet.Status, len(cmds), perOp)
	if outcome.FrameStatus != memd.ClassSuccess {
		return SubdocResult{PerOp: outcome.PerOp}, corerr.New(corerr.SubDocumentError, "kv", "", uint16(res.Packet.Status), 0, nil)
	}
	return SubdocResult{CAS: res.Packet.CAS, PerOp: outcome.PerOp}, nil
}
