package wire

// Magic identifies whether a frame is a request or a response.
type Magic uint8

const (
	ReqMagic Magic = 0x80
	ResMagic Magic = 0x81
)

// Opcode is the memcached binary protocol command code.
type Opcode uint8

const (
	OpGet               Opcode = 0x00
	OpSet               Opcode = 0x01
	OpAdd               Opcode = 0x02
	OpReplace           Opcode = 0x03
	OpDelete            Opcode = 0x04
	OpIncrement         Opcode = 0x05
	OpDecrement         Opcode = 0x06
	OpAppend            Opcode = 0x0e
	OpPrepend           Opcode = 0x0f
	OpStat              Opcode = 0x10
	OpTouch             Opcode = 0x1c
	OpGAT               Opcode = 0x1d
	OpHello             Opcode = 0x1f
	OpSASLListMechs     Opcode = 0x20
	OpSASLAuth          Opcode = 0x21
	OpSASLStep          Opcode = 0x22
	OpGetReplica        Opcode = 0x83
	OpSelectBucket      Opcode = 0x89
	OpObserveSeqNo      Opcode = 0x91
	OpObserve           Opcode = 0x92
	OpGetClusterConfig  Opcode = 0xb5
	OpGetErrorMap       Opcode = 0xfe
	OpNoop              Opcode = 0x0a
)

// Status is the response header's status field.
type Status uint16

const (
	StatusSuccess        Status = 0x00
	StatusKeyNotFound    Status = 0x01
	StatusKeyExists      Status = 0x02
	StatusTooBig         Status = 0x03
	StatusInvalidArgs    Status = 0x04
	StatusNotStored      Status = 0x05
	StatusBadDelta       Status = 0x06
	StatusNotMyVBucket   Status = 0x07
	StatusNoBucket       Status = 0x08
	StatusAuthStale      Status = 0x1f
	StatusAuthError      Status = 0x20
	StatusAuthContinue   Status = 0x21
	StatusRangeError     Status = 0x22
	StatusRollback       Status = 0x23
	StatusAccessError    Status = 0x24
	StatusNotInitialized Status = 0x25
	StatusUnknownCommand Status = 0x81
	StatusOutOfMemory    Status = 0x82
	StatusNotSupported   Status = 0x83
	StatusInternalError  Status = 0x84
	StatusBusy           Status = 0x85
	StatusTmpFail        Status = 0x86
)

// HelloFeature negotiates optional protocol behaviour during connection
// setup, before SASL.
type HelloFeature uint16

const (
	FeatureDatatype   HelloFeature = 0x01
	FeatureTLS        HelloFeature = 0x02
	FeatureTCPNoDelay HelloFeature = 0x03
	FeatureSeqNo      HelloFeature = 0x04
	FeatureTCPDelay   HelloFeature = 0x05
	FeatureXattr      HelloFeature = 0x06
	FeatureXerror     HelloFeature = 0x07
)

// DatatypeFlag marks how the value payload of a response is encoded.
type DatatypeFlag uint8

const (
	DatatypeFlagJSON       DatatypeFlag = 0x01
	DatatypeFlagCompressed DatatypeFlag = 0x02
	DatatypeFlagXattr      DatatypeFlag = 0x04
)

// ObserveKeyState is the per-node status bit OBSERVE returns for a key.
type ObserveKeyState uint8

const (
	ObserveFound            ObserveKeyState = 0x00
	ObservePersisted        ObserveKeyState = 0x01
	ObserveNotFound         ObserveKeyState = 0x80
	ObserveLogicallyDeleted ObserveKeyState = 0x81
)
