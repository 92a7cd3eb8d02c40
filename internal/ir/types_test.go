package ir

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLaneValidate(t *testing.T) {
	require.NoError(t, Lane{Subject: "1", Category: CategoryAllergy}.Validate())
	require.NoError(t, Lane{Subject: "018f3a2e-7c1d-7b7e-9f00-000000000001", Category: "custom"}.Validate())

	assert.Error(t, Lane{Subject: "", Category: CategoryAllergy}.Validate())
	assert.Error(t, Lane{Subject: "1", Category: ""}.Validate())
	assert.Error(t, Lane{Subject: "1\x00", Category: CategoryAllergy}.Validate())
	assert.Error(t, Lane{Subject: "1", Category: "a\nb"}.Validate())
}

func TestLaneStrings(t *testing.T) {
	lane := Lane{Subject: "1", Category: CategoryAllergy}
	assert.Equal(t, "1/allergy", lane.String())
	assert.Equal(t, "1\x00allergy", lane.Key())

	left := Lane{Subject: "a:b", Category: "c"}
	right := Lane{Subject: "a", Category: "b:c"}
	assert.NotEqual(t, left.Key(), right.Key())
	assert.Equal(t, Lane{Subject: "1", Category: CategoryGenesis}, GenesisLane("1"))
}

func TestLedgerEntrySecret(t *testing.T) {
	e := LedgerEntry{HashValue: genesisHash}
	assert.Equal(t, "d03b1c73", e.Secret(8))
	assert.Equal(t, genesisHash, e.Secret(0))
	assert.Equal(t, genesisHash, e.Secret(100))
}

func TestSortEntries(t *testing.T) {
	t0 := time.Unix(100, 0)
	entries := []LedgerEntry{
		{Seq: 3, Timestamp: t0.Add(time.Second)},
		{Seq: 2, Timestamp: t0},
		{Seq: 1, Timestamp: t0},
	}

	SortEntries(entries)

	assert.Equal(t, []int64{1, 2, 3}, []int64{entries[0].Seq, entries[1].Seq, entries[2].Seq})
}

func TestRoles(t *testing.T) {
	assert.True(t, Patient("7").Owns("7"))
	assert.False(t, Patient("7").Owns("8"))
	assert.False(t, Professional("7").Owns("7"))
	assert.False(t, Role{Kind: RolePatient}.Owns(""))

	assert.True(t, Admin("root").Privileged())
	assert.False(t, Professional("42").Privileged())
	assert.False(t, Anonymous().Privileged())
}

func TestParseRole(t *testing.T) {
	tests := []struct {
		in   string
		want Role
	}{
		{"", Anonymous()},
		{"anonymous", Anonymous()},
		{"patient:7", Patient("7")},
		{"professional:42", Professional("42")},
		{"admin:root", Admin("root")},
	}
	for _, tt := range tests {
		got, err := ParseRole(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
		if tt.in != "" {
			assert.Equal(t, tt.in, got.String())
		}
	}

	for _, bad := range []string{"patient", "doctor:1", "admin:"} {
		_, err := ParseRole(bad)
		assert.Error(t, err, bad)
	}
}
