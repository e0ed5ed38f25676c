// Package memd implements the binary memcache-family protocol used to talk
// to a cluster node's data service: frame encode/decode, sub-document
// command framing, datatype/compression handling, and status normalization.
package memd

// CmdCode identifies the operation carried by a request or response frame.
type CmdCode uint8

const (
	CmdGet      = CmdCode(0x00)
	CmdSet      = CmdCode(0x01)
	CmdAdd      = CmdCode(0x02)
	CmdReplace  = CmdCode(0x03)
	CmdDelete   = CmdCode(0x04)
	CmdIncrement = CmdCode(0x05)
	CmdDecrement = CmdCode(0x06)
	CmdAppend   = CmdCode(0x0e)
	CmdPrepend  = CmdCode(0x0f)
	CmdTouch    = CmdCode(0x1c)
	CmdGAT      = CmdCode(0x1d) // GET_AND_TOUCH
	CmdHello    = CmdCode(0x1f)

	CmdSASLListMechs = CmdCode(0x20)
	CmdSASLAuth      = CmdCode(0x21)
	CmdSASLStep      = CmdCode(0x22)

	CmdGetReplica   = CmdCode(0x83)
	CmdSelectBucket = CmdCode(0x89)

	CmdObserve      = CmdCode(0x92)
	CmdGetLocked    = CmdCode(0x94) // GETL

	CmdGetClusterConfig = CmdCode(0xb5) // GET_CONFIG

	CmdSubDocGet           = CmdCode(0xc5)
	CmdSubDocExists        = CmdCode(0xc6)
	CmdSubDocDictAdd       = CmdCode(0xc7)
	CmdSubDocDictSet       = CmdCode(0xc8)
	CmdSubDocDelete        = CmdCode(0xc9)
	CmdSubDocReplace       = CmdCode(0xca)
	CmdSubDocArrayPushLast = CmdCode(0xcb)
	CmdSubDocArrayPushFirst = CmdCode(0xcc)
	CmdSubDocArrayInsert   = CmdCode(0xcd)
	CmdSubDocArrayAddUnique = CmdCode(0xce)
	CmdSubDocCounter       = CmdCode(0xcf)
	CmdSubDocMultiLookup   = CmdCode(0xd0)
	CmdSubDocMultiMutation = CmdCode(0xd1)

	CmdGetCollectionsManifest = CmdCode(0xba)
	CmdGetCollectionID        = CmdCode(0xbb)

	CmdGetErrorMap = CmdCode(0xfe)

	// DCP opcodes are kept as unexported reference values only: they have
	// no cmdNames entry and this module implements no DCP stream. See
	// SPEC_FULL.md §5.1.
	cmdDcpOpenConnection = CmdCode(0x50)
	cmdDcpMutation       = CmdCode(0x57)
	cmdDcpStreamEnd      = CmdCode(0x55)
)

var cmdNames = map[CmdCode]string{
	CmdGet:      "GET",
	CmdSet:      "SET",
	CmdAdd:      "ADD",
	CmdReplace:  "REPLACE",
	CmdDelete:   "DELETE",
	CmdIncrement: "INCREMENT",
	CmdDecrement: "DECREMENT",
	CmdAppend:   "APPEND",
	CmdPrepend:  "PREPEND",
	CmdTouch:    "TOUCH",
	CmdGAT:      "GET_AND_TOUCH",
	CmdHello:    "HELLO",

	CmdSASLListMechs: "SASL_LIST_MECHS",
	CmdSASLAuth:      "SASL_AUTH",
	CmdSASLStep:      "SASL_STEP",

	CmdGetReplica:   "GET_REPLICA",
	CmdSelectBucket: "SELECT_BUCKET",
	CmdObserve:      "OBSERVE",
	CmdGetLocked:    "GETL",

	CmdGetClusterConfig: "GET_CONFIG",

	CmdSubDocGet:            "SUBDOC_GET",
	CmdSubDocExists:         "SUBDOC_EXISTS",
	CmdSubDocDictAdd:        "SUBDOC_DICT_ADD",
	CmdSubDocDictSet:        "SUBDOC_DICT_SET",
	CmdSubDocDelete:         "SUBDOC_DELETE",
	CmdSubDocReplace:        "SUBDOC_REPLACE",
	CmdSubDocArrayPushLast:  "SUBDOC_ARRAY_PUSH_LAST",
	CmdSubDocArrayPushFirst: "SUBDOC_ARRAY_PUSH_FIRST",
	CmdSubDocArrayInsert:    "SUBDOC_ARRAY_INSERT",
	CmdSubDocArrayAddUnique: "SUBDOC_ARRAY_ADD_UNIQUE",
	CmdSubDocCounter:        "SUBDOC_COUNTER",
	CmdSubDocMultiLookup:    "SUBDOC_MULTI_LOOKUP",
	CmdSubDocMultiMutation:  "SUBDOC_MULTI_MUTATE",

	CmdGetCollectionsManifest: "GET_COLLECTIONS_MANIFEST",
	CmdGetCollectionID:        "GET_COLLECTION_ID",

	CmdGetErrorMap: "ERROR_MAP",
}

func (c CmdCode) String() string {
	if name, ok := cmdNames[c]; ok {
		return name
	}
	return "UNKNOWN_OPCODE"
}
