package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUpdateInverseFlipsOp(t *testing.T) {
	u := Update{Kind: UpdateEdge, Op: OpInsert, Weight: 1.5}
	inv := u.Inverse()
	assert.Equal(t, OpRemove, inv.Op)
	assert.Equal(t, u.Key, inv.Key)
	assert.Equal(t, u.Weight, inv.Weight)

	assert.Equal(t, OpInsert, inv.Inverse().Op)
}

func TestIsRemove(t *testing.T) {
	assert.True(t, Update{Op: OpRemove}.IsRemove())
	assert.False(t, Update{Op: OpInsert}.IsRemove())
}

func TestClampChainLengthSaturates(t *testing.T) {
	assert.Equal(t, uint8(3), ClampChainLength(3))
	assert.Equal(t, uint8(VersionMaxChainLength), ClampChainLength(VersionMaxChainLength+5))
}
