package types

import (
	"testing"
	"time"

	"github.com/cuemby/dsm-storage-node/pkg/dsmerr"
	"github.com/stretchr/testify/assert"
)

func validEntry() *BlindedEntry {
	return &BlindedEntry{
		BlindedID:        "blinded-1",
		EncryptedPayload: []byte("opaque-bytes"),
		Timestamp:        time.Now().Unix(),
		TTL:              0,
		Region:           "us-east",
		Priority:         10,
		Metadata:         map[string]string{"k1": "v1"},
	}
}

func TestValidateAcceptsWellFormedEntry(t *testing.T) {
	e := validEntry()
	assert.NoError(t, e.Validate(time.Now()))
}

func TestValidateRejectsEmptyBlindedID(t *testing.T) {
	e := validEntry()
	e.BlindedID = ""
	err := e.Validate(time.Now())
	assert.Error(t, err)
	assert.Equal(t, dsmerr.Validation, dsmerr.KindOf(err))
}

func TestValidateRejectsFutureTimestamp(t *testing.T) {
	e := validEntry()
	e.Timestamp = time.Now().Add(10 * time.Minute).Unix()
	err := e.Validate(time.Now())
	assert.Error(t, err)
}

func TestValidateRejectsOutOfRangePriority(t *testing.T) {
	e := validEntry()
	e.Priority = 5000
	assert.Error(t, e.Validate(time.Now()))
}

func TestValidateRejectsOversizedRegion(t *testing.T) {
	e := validEntry()
	big := make([]byte, MaxRegionBytes+1)
	e.Region = string(big)
	assert.Error(t, e.Validate(time.Now()))
}

func TestIsExpired(t *testing.T) {
	now := time.Now()
	e := validEntry()
	e.Timestamp = now.Add(-10 * time.Second).Unix()
	e.TTL = 5
	assert.True(t, e.IsExpired(now))

	e.TTL = 0
	assert.False(t, e.IsExpired(now))

	e.TTL = 3600
	assert.False(t, e.IsExpired(now))
}

func TestComputeAndVerifyProofHash(t *testing.T) {
	e := validEntry()
	e.ComputeProofHash()
	assert.True(t, e.VerifyProofHash())

	e.EncryptedPayload = append(e.EncryptedPayload, 'x')
	assert.False(t, e.VerifyProofHash())
}

func TestCanonicalEncodingIsDeterministic(t *testing.T) {
	e1 := validEntry()
	e1.Metadata = map[string]string{"b": "2", "a": "1"}
	e2 := validEntry()
	e2.Metadata = map[string]string{"a": "1", "b": "2"}

	e1.ComputeProofHash()
	e2.ComputeProofHash()
	assert.Equal(t, e1.ProofHash, e2.ProofHash)
}

func TestWireBytesIncludesCurrentProofHash(t *testing.T) {
	e := validEntry()
	e.ComputeProofHash()
	wire := e.WireBytes()
	assert.Contains(t, string(wire), e.BlindedID)
}
