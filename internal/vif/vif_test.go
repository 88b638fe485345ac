package vif_test

import (
	"fmt"
	"net/netip"
	"testing"

	"github.com/malbeclabs/pimd/internal/vif"
	"github.com/stretchr/testify/require"
)

func TestVif_Set_Algebra(t *testing.T) {
	t.Parallel()
	joined := vif.Of(0, 1, 2)
	leaves := vif.Of(3)
	pruned := vif.Of(1)
	asserted := vif.Of(2, 3)

	oifs := joined.Union(leaves).Minus(pruned.Union(asserted))
	require.Equal(t, vif.Of(0), oifs)
	require.Equal(t, []vif.Index{0}, oifs.Indices())
	require.True(t, joined.Has(2))
	require.False(t, joined.Has(vif.None))
	require.Equal(t, 3, joined.Len())
	require.Equal(t, "{0,1,2}", joined.String())
	require.True(t, vif.Set(0).Empty())
	require.Equal(t, joined, joined.Add(vif.None).Remove(vif.Index(70)))
	require.True(t, vif.Of(63).Has(63))
}

func TestVif_Table_AddAndLookup(t *testing.T) {
	t.Parallel()
	tbl := vif.NewTable()
	eth0, err := tbl.Add(vif.Vif{
		Name:    "eth0",
		IfIndex: 2,
		Addr:    netip.MustParseAddr("10.0.0.1"),
		Subnet:  netip.MustParsePrefix("10.0.0.0/24"),
	})
	require.NoError(t, err)
	eth1, err := tbl.Add(vif.Vif{
		Name:     "eth1",
		IfIndex:  3,
		Addr:     netip.MustParseAddr("10.0.1.1"),
		Subnet:   netip.MustParsePrefix("10.0.1.0/24"),
		Disabled: true,
	})
	require.NoError(t, err)
	reg, err := tbl.AddRegister(netip.MustParseAddr("10.0.0.1"))
	require.NoError(t, err)

	_, err = tbl.Add(vif.Vif{Name: "eth0"})
	require.ErrorIs(t, err, vif.ErrDuplicate)

	require.Equal(t, vif.Index(0), eth0)
	require.Equal(t, vif.Index(1), eth1)
	require.Equal(t, reg, tbl.Register())
	require.Equal(t, vif.Of(eth0, reg), tbl.Enabled())

	require.Equal(t, eth0, tbl.Connected(netip.MustParseAddr("10.0.0.77")))
	require.Equal(t, vif.None, tbl.Connected(netip.MustParseAddr("10.0.1.77")))
	require.True(t, tbl.IsLocal(netip.MustParseAddr("10.0.1.1")))

	v, ok := tbl.ByIfIndex(3)
	require.True(t, ok)
	require.Equal(t, "eth1", v.Name)

	require.NoError(t, tbl.SetDisabled(eth1, false))
	require.Equal(t, eth1, tbl.Connected(netip.MustParseAddr("10.0.1.77")))
	require.ErrorIs(t, tbl.SetDisabled(9, false), vif.ErrNotFound)
}

func TestVif_Table_Full(t *testing.T) {
	t.Parallel()
	tbl := vif.NewTable()
	for i := range vif.MaxVifs {
		_, err := tbl.Add(vif.Vif{Name: fmt.Sprintf("eth%d", i)})
		require.NoError(t, err)
	}
	_, err := tbl.Add(vif.Vif{Name: "overflow"})
	require.ErrorIs(t, err, vif.ErrTooManyVifs)
}

func TestVif_IsDR(t *testing.T) {
	t.Parallel()
	v := &vif.Vif{Addr: netip.MustParseAddr("10.0.0.1")}
	require.False(t, v.IsDR())
	v.DR = v.Addr
	require.True(t, v.IsDR())
}
