package main

import (
	"bytes"
	"path/filepath"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/scranton_straddle/internal/models"
)

func opt(conID int64, right models.Right) models.Contract {
	return models.Contract{
		ConID: conID, Symbol: "SPY", SecType: models.SecTypeOption, Right: right,
		Strike: 500, Expiration: "20260105", Multiplier: 100,
	}
}

func TestMaskAccountID(t *testing.T) {
	tests := []struct{ in, want string }{
		{"DU1234567", "*****4567"},
		{"DU12", "DU12"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, maskAccountID(tt.in))
	}
}

func TestAuditPositions(t *testing.T) {
	call, put := opt(5001, models.RightCall), opt(5002, models.RightPut)
	stock := models.Contract{ConID: 756733, Symbol: "SPY", SecType: models.SecTypeStock}

	rows := auditPositions(
		[]models.BrokerPosition{
			{Contract: call, Quantity: 5},
			{Contract: stock, Quantity: 100},
		},
		[]models.Position{
			{Contract: call, Quantity: 5},
			{Contract: put, Quantity: 3},
		},
	)
	require.Len(t, rows, 2, "stock positions are not audited")
	assert.Equal(t, auditRow{ConID: 5001, Contract: call.String(), Broker: 5, Ledger: 5}, rows[0])
	assert.True(t, rows[1].Mismatch())
	assert.Equal(t, 0, rows[1].Broker)
	assert.Equal(t, 3, rows[1].Ledger)

	var buf bytes.Buffer
	require.NoError(t, writeAudit(&buf, "DU1234567", rows, false))
	assert.Contains(t, buf.String(), "*****4567")
	assert.Contains(t, buf.String(), "2 contracts, 1 mismatched")

	buf.Reset()
	require.NoError(t, writeAudit(&buf, "DU1234567", rows, true))
	var decoded struct {
		Account   string     `json:"account"`
		Positions []auditRow `json:"positions"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "*****4567", decoded.Account)
	assert.Len(t, decoded.Positions, 2)
}

func TestBrokerLongs(t *testing.T) {
	longs := brokerLongs([]models.BrokerPosition{
		{Contract: opt(5001, models.RightCall), Quantity: 4, AvgCost: 210},
		{Contract: opt(5002, models.RightPut), Quantity: -2, AvgCost: 150},
		{Contract: models.Contract{ConID: 1, Symbol: "SPY", SecType: models.SecTypeStock}, Quantity: 10},
	})
	require.Len(t, longs, 1)
	assert.Equal(t, 4, longs[0].Quantity)
	assert.InDelta(t, 2.1, longs[0].AvgPrice, 1e-9)
	assert.Equal(t, models.SourceBroker, longs[0].Source)
}

func TestLiquidate_NothingHeld(t *testing.T) {
	path := writeConfig(t, filepath.Join(t.TempDir(), "straddle.db"))
	out, err := execute(t, "--config", path, "liquidate")
	require.NoError(t, err)
	assert.Contains(t, out, "no long option positions")
}
