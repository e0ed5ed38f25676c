package memd

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func encodeResultRecord(status StatusCode, value []byte) []byte {
	rec := make([]byte, 6)
	binary.BigEndian.PutUint16(rec[0:2], uint16(status))
	binary.BigEndian.PutUint32(rec[2:6], uint32(len(value)))
	return append(rec, value...)
}

func TestSubdocCommandListRoundTrip(t *testing.T) {
	cmds := []SubdocCommand{
		{Opcode: CmdSubDocDictAdd, Path: "/a", Fragment: []byte("1"), CreateParent: false},
		{Opcode: CmdSubDocDictAdd, Path: "/x/y", Fragment: []byte("2"), CreateParent: true},
		{Opcode: CmdSubDocDictAdd, Path: "/b", Fragment: []byte("3")},
	}

	_, body := EncodeMultiMutateBody(0, 0, cmds)

	// Manually walk the encoded body and confirm order/path/fragment/flags
	// survive, since there's no decoder for the *request* side (the server
	// doesn't echo commands back, only results).
	rest := body
	for i, c := range cmds {
		if len(rest) < 8 {
			t.Fatalf("command %d: truncated record", i)
		}
		if CmdCode(rest[0]) != c.Opcode {
			t.Fatalf("command %d: opcode mismatch", i)
		}
		gotFlags := SubdocFlag(rest[1])
		if c.CreateParent && gotFlags&SubdocFlagCreatePath == 0 {
			t.Fatalf("command %d: expected create-path flag", i)
		}
		pathLen := binary.BigEndian.Uint16(rest[2:4])
		valLen := binary.BigEndian.Uint32(rest[4:8])
		rest = rest[8:]
		gotPath := string(rest[:pathLen])
		rest = rest[pathLen:]
		gotVal := rest[:valLen]
		rest = rest[valLen:]

		if gotPath != c.Path {
			t.Fatalf("command %d: path mismatch: got %q want %q", i, gotPath, c.Path)
		}
		if !bytes.Equal(gotVal, c.Fragment) {
			t.Fatalf("command %d: fragment mismatch", i)
		}
	}
	if len(rest) != 0 {
		t.Fatalf("trailing bytes after last command: %d", len(rest))
	}
}

func TestSubdocPartialSuccessThreeCommands(t *testing.T) {
	body := bytes.Join([][]byte{
		encodeResultRecord(StatusSuccess, nil),
		encodeResultRecord(StatusSubDocPathNotFound, nil),
		encodeResultRecord(StatusSuccess, nil),
	}, nil)

	perOp, err := DecodeMultiResultBody(body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(perOp) != 3 {
		t.Fatalf("expected 3 per-op results, got %d", len(perOp))
	}

	outcome := FoldMultiMutateStatus(StatusSubDocMultiPathFailure, 3, perOp)
	if outcome.FrameStatus != ClassSuccess {
		t.Fatalf("expected frame-level SUCCESS on partial success, got %v", outcome.FrameStatus)
	}
	want := []StatusClass{ClassSuccess, ClassSubdocPathNotFound, ClassSuccess}
	for i, w := range want {
		if outcome.PerOp[i].Status != w {
			t.Fatalf("op %d: got %v want %v", i, outcome.PerOp[i].Status, w)
		}
	}
}

func TestSubdocSingleCommandFailureSurfacedAtFrameLevel(t *testing.T) {
	body := encodeResultRecord(StatusSubDocPathNotFound, nil)

	perOp, err := DecodeMultiResultBody(body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	outcome := FoldMultiMutateStatus(StatusSubDocMultiPathFailure, 1, perOp)
	if outcome.FrameStatus != ClassSubdocPathNotFound {
		t.Fatalf("expected single command error surfaced at frame level, got %v", outcome.FrameStatus)
	}
}

func TestSubdocWholeDocumentFailureHasEmptyPerOpVector(t *testing.T) {
	outcome := FoldMultiMutateStatus(StatusSubDocNotJSON, 3, nil)
	if outcome.FrameStatus != ClassSubdocDocNotJSON {
		t.Fatalf("expected whole-document failure class, got %v", outcome.FrameStatus)
	}
	if len(outcome.PerOp) != 0 {
		t.Fatalf("expected empty per-op vector, got %d entries", len(outcome.PerOp))
	}
}
