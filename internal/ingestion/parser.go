package ingestion

import (
	"encoding/binary"
	"errors"
	"fmt"

	"PerpSettle/internal/capability"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// Header names carried on a batch message.
const (
	HeaderMsgID     = nats.MsgIdHdr
	HeaderSignature = "Settle-Signature"
)

// MaxRecordsPerBatch bounds the count prefix so a corrupt header cannot
// force a huge allocation.
const MaxRecordsPerBatch = 65_536

var (
	ErrTruncatedBatch = errors.New("truncated batch")
	ErrTrailingBytes  = errors.New("trailing bytes after last record")
	ErrTooManyRecords = errors.New("too many records in batch")
	ErrEmptyRecord    = errors.New("empty record")
)

// batchNamespace seeds content-derived batch ids.
var batchNamespace = uuid.MustParse("0d5b2c8e-7f43-5a61-9c1e-3b7a4f2d9e60")

// RawBatch is one framed batch pulled from NATS, ready for the core.
type RawBatch struct {
	Subject  string
	BatchID  string
	Caller   common.Address
	Records  [][]byte
	AckFunc  func()
	NakFunc  func()
	TermFunc func()
}

// DecodeBatch splits a framed message into records:
// count:u32 followed by count entries of len:u32 and record bytes.
// All integers are little-endian.
func DecodeBatch(data []byte) ([][]byte, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("%w: missing record count", ErrTruncatedBatch)
	}
	count := binary.LittleEndian.Uint32(data)
	if count > MaxRecordsPerBatch {
		return nil, fmt.Errorf("%w: %d", ErrTooManyRecords, count)
	}
	off := 4
	records := make([][]byte, 0, count)
	for i := uint32(0); i < count; i++ {
		if len(data)-off < 4 {
			return nil, fmt.Errorf("%w: record %d length", ErrTruncatedBatch, i)
		}
		n := int(binary.LittleEndian.Uint32(data[off:]))
		off += 4
		if n == 0 {
			return nil, fmt.Errorf("%w: record %d", ErrEmptyRecord, i)
		}
		if len(data)-off < n {
			return nil, fmt.Errorf("%w: record %d wants %d bytes, %d left", ErrTruncatedBatch, i, n, len(data)-off)
		}
		rec := make([]byte, n)
		copy(rec, data[off:off+n])
		records = append(records, rec)
		off += n
	}
	if off != len(data) {
		return nil, fmt.Errorf("%w: %d", ErrTrailingBytes, len(data)-off)
	}
	return records, nil
}

// EncodeBatch frames records for publishing. It is the inverse of
// DecodeBatch.
func EncodeBatch(records [][]byte) []byte {
	size := 4
	for _, r := range records {
		size += 4 + len(r)
	}
	buf := make([]byte, 0, size)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(records)))
	for _, r := range records {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(r)))
		buf = append(buf, r...)
	}
	return buf
}

// BatchID returns the dedup id of a batch: the publisher's message id
// when present, otherwise a UUIDv5 of the message body.
func BatchID(msgID string, data []byte) string {
	if msgID != "" {
		return msgID
	}
	return uuid.NewSHA1(batchNamespace, data).String()
}

const batchDigestPrefix = "PerpSettle batch:"

// BatchDigest is the hash a sequencer signs over a framed batch.
func BatchDigest(data []byte) common.Hash {
	return crypto.Keccak256Hash([]byte(batchDigestPrefix), data)
}

// ResolveCaller returns the sequencer that submitted a batch. A signed
// batch names its signer; an unsigned one falls back to the trusted
// caller configured for the connection.
func ResolveCaller(sigHex string, data []byte, trusted common.Address) (common.Address, error) {
	if sigHex == "" {
		return trusted, nil
	}
	sig, err := hexutil.Decode(sigHex)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", capability.ErrInvalidSignature, err)
	}
	return capability.Recover(BatchDigest(data), sig)
}

// ParseBatchMessage decodes a NATS batch message into a RawBatch. Ack and
// nak hooks are attached by the subscriber.
func ParseBatchMessage(subject string, header nats.Header, data []byte, trusted common.Address) (RawBatch, error) {
	records, err := DecodeBatch(data)
	if err != nil {
		return RawBatch{}, err
	}
	caller, err := ResolveCaller(header.Get(HeaderSignature), data, trusted)
	if err != nil {
		return RawBatch{}, err
	}
	return RawBatch{
		Subject: subject,
		BatchID: BatchID(header.Get(HeaderMsgID), data),
		Caller:  caller,
		Records: records,
	}, nil
}
