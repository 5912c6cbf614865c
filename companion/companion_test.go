package companion

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTargetMetadata(t *testing.T) {
	udid := "ABCD-1234"
	empty := ""

	assert.Equal(t, map[string]string{}, TargetMetadata(nil))
	assert.Equal(t, map[string]string{"udid": "ABCD-1234"}, TargetMetadata(&udid))
	assert.Equal(t, map[string]string{"udid": ""}, TargetMetadata(&empty))
}

func TestTargetMetadataIsFresh(t *testing.T) {
	udid := "A"
	m := TargetMetadata(&udid)
	m["udid"] = "mutated"
	assert.Equal(t, "A", TargetMetadata(&udid)["udid"])
}

func TestNewCopiesUDID(t *testing.T) {
	udid := "A"
	c := New(nil, true, &udid, nil)
	udid = "B"

	assert.Equal(t, map[string]string{"udid": "A"}, c.Metadata())
	assert.NotNil(t, c.Logger)
	assert.True(t, c.IsLocal)
}
