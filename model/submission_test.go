package model

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allStatuses = []Status{StatusReceived, StatusProcessing, StatusTransmitted, StatusFailed}

func TestCanTransition(t *testing.T) {
	allowed := map[[2]Status]bool{
		{StatusReceived, StatusProcessing}:    true,
		{StatusProcessing, StatusTransmitted}: true,
		{StatusProcessing, StatusFailed}:      true,
		{StatusFailed, StatusProcessing}:      true,
	}

	for _, from := range allStatuses {
		for _, to := range allStatuses {
			want := allowed[[2]Status{from, to}]
			assert.Equal(t, want, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestTransmittedIsTerminal(t *testing.T) {
	for _, to := range allStatuses {
		err := CheckTransition(StatusTransmitted, to)
		assert.True(t, errors.Is(err, ErrInvalidTransition), "TRANSMITTED -> %s must be rejected", to)
	}
}

func TestNoTransitionReturnsToReceived(t *testing.T) {
	for _, from := range allStatuses {
		assert.False(t, CanTransition(from, StatusReceived), "%s -> RECEIVED", from)
	}
}

func TestStatusAndKindValid(t *testing.T) {
	for _, s := range allStatuses {
		assert.True(t, s.Valid())
	}
	assert.False(t, Status("DONE").Valid())

	for _, k := range []DocumentKind{KindSale, KindStockMaster, KindItem} {
		assert.True(t, k.Valid())
	}
	assert.False(t, DocumentKind("CUSTOMER").Valid())
}

func TestSubmissionRecord_Exhausted(t *testing.T) {
	rec := &SubmissionRecord{Status: StatusFailed, RetryCount: 4, RetryBudget: MaxRetries}
	assert.False(t, rec.Exhausted())

	rec.RetryCount = 5
	assert.True(t, rec.Exhausted())

	rec.RetryBudget = 10
	assert.False(t, rec.Exhausted())

	rec.RetryBudget = 5
	rec.Status = StatusTransmitted
	assert.False(t, rec.Exhausted())
}

func TestSubmissionRecord_FailuresInBudget(t *testing.T) {
	rec := &SubmissionRecord{RetryBudget: MaxRetries}
	assert.Equal(t, 3, rec.FailuresInBudget(3, MaxRetries))

	rec.RetryBudget = 10
	assert.Equal(t, 1, rec.FailuresInBudget(6, MaxRetries))
}

func TestSubmissionRecord_Due(t *testing.T) {
	now := time.Now()
	rec := &SubmissionRecord{}
	assert.True(t, rec.Due(now))

	future := now.Add(time.Minute)
	rec.NextRetryAt = &future
	assert.False(t, rec.Due(now))

	rec.NextRetryAt = &now
	assert.True(t, rec.Due(now))
}

func TestNewSubmissionRecord(t *testing.T) {
	caller := &CallerIdentity{DeviceID: "dev_1", TenantKey: "tenant", Tin: "tin", BhfID: "bhf"}
	rec := NewSubmissionRecord(caller, KindItem, []byte(`{"itemCd":"KE1"}`), "https://upstream.test/items/saveItems")

	assert.Regexp(t, `^sub_[0-9a-f-]{36}$`, rec.RecordID)
	assert.Equal(t, StatusReceived, rec.Status)
	assert.Equal(t, KindItem, rec.Kind)
	assert.Equal(t, caller.TenantKey, rec.TenantKey)
	assert.Equal(t, caller.Tin, rec.Tin)
	assert.Equal(t, caller.BhfID, rec.BhfID)
	assert.Zero(t, rec.SequenceNo)
	assert.Zero(t, rec.RetryCount)

	other := NewSubmissionRecord(caller, KindItem, nil, "")
	assert.NotEqual(t, rec.RecordID, other.RecordID)
}

func TestDevice_Identity(t *testing.T) {
	d := &Device{DeviceID: "dev_1", APIKey: "key", Pin: "pin", BranchID: "00", EnvironmentURL: "https://env"}
	id := d.Identity()
	assert.Equal(t, d.APIKey, id.TenantKey)
	assert.Equal(t, d.Pin, id.Tin)
	assert.Equal(t, d.BranchID, id.BhfID)
	assert.Equal(t, "https://env", id.EnvironmentURL)
}

func TestGenerateAPIKey(t *testing.T) {
	a, err := GenerateAPIKey()
	require.NoError(t, err)
	b, err := GenerateAPIKey()
	require.NoError(t, err)

	assert.Len(t, a, APIKeyLength)
	assert.Regexp(t, `^[A-Za-z0-9]+$`, a)
	assert.NotEqual(t, a, b)
}
