package access_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paradigm-parametric/parametric-mvp/pkg/access"
	"github.com/paradigm-parametric/parametric-mvp/pkg/fault"
)

func newRoles(t *testing.T) access.Roles {
	t.Helper()
	r, err := access.NewRoles("alice", "oracle")
	require.NoError(t, err)
	return r
}

func TestNewRoles_RejectsEmpty(t *testing.T) {
	_, err := access.NewRoles("", "oracle")
	assert.ErrorIs(t, err, fault.ErrInvalidRole)
}

func TestHandover_ProposeAccept(t *testing.T) {
	r := newRoles(t)

	require.NoError(t, r.Owner.Propose("alice", "bob", "propose_owner"))
	assert.Equal(t, access.Identity("bob"), r.Owner.Pending)
	assert.Equal(t, access.Identity("alice"), r.Owner.Holder)

	require.NoError(t, r.Owner.Accept("bob", "accept_owner"))
	assert.Equal(t, access.Identity("bob"), r.Owner.Holder)
	assert.Empty(t, r.Owner.Pending)
}

func TestHandover_WrongAcceptor(t *testing.T) {
	r := newRoles(t)
	require.NoError(t, r.Operator.Propose("oracle", "oracle-2", "propose_operator"))

	err := r.Operator.Accept("mallory", "accept_operator")
	assert.ErrorIs(t, err, fault.ErrNotPendingRole)
	assert.Equal(t, access.Identity("oracle"), r.Operator.Holder)
	assert.Equal(t, access.Identity("oracle-2"), r.Operator.Pending)
}

func TestHandover_AcceptWithoutProposal(t *testing.T) {
	r := newRoles(t)
	assert.ErrorIs(t, r.Owner.Accept("", "accept_owner"), fault.ErrNotPendingRole)
	assert.ErrorIs(t, r.Owner.Accept("bob", "accept_owner"), fault.ErrNotPendingRole)
}

func TestHandover_ProposeRequiresHolderAndSuccessor(t *testing.T) {
	r := newRoles(t)
	assert.ErrorIs(t, r.Owner.Propose("oracle", "bob", "propose_owner"), fault.ErrUnauthorized)
	assert.ErrorIs(t, r.Owner.Propose("alice", "", "propose_owner"), fault.ErrInvalidRole)
	assert.Empty(t, r.Owner.Pending)
}

func TestRoles_Pause(t *testing.T) {
	r := newRoles(t)
	require.NoError(t, r.RequireActive("purchase"))

	assert.ErrorIs(t, r.SetPaused("oracle", true), fault.ErrUnauthorized)
	require.NoError(t, r.SetPaused("alice", true))
	assert.ErrorIs(t, r.RequireActive("purchase"), fault.ErrPoolPaused)

	// role changes stay available while paused
	require.NoError(t, r.Owner.Propose("alice", "bob", "propose_owner"))

	require.NoError(t, r.SetPaused("alice", false))
	assert.NoError(t, r.RequireActive("settle"))
}

func TestRoles_RequireOperator(t *testing.T) {
	r := newRoles(t)
	assert.NoError(t, r.RequireOperator("oracle", "settle"))
	assert.ErrorIs(t, r.RequireOperator("alice", "settle"), fault.ErrUnauthorized)
	assert.ErrorIs(t, r.RequireOperator("", "settle"), fault.ErrUnauthorized)
}
