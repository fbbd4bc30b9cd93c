package anaf_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contazen/efactura-api/internal/domain/entity"
	"github.com/contazen/efactura-api/internal/infrastructure/anaf"
	"github.com/contazen/efactura-api/internal/infrastructure/ubl"
)

// The stub mimics the real gateway closely enough for the codec to decode
// its responses: processing first, then accepted with a download index.
func TestStubGateway_Lifecycle(t *testing.T) {
	stub := anaf.NewStubGateway()
	ctx := context.Background()

	idx, err := stub.Upload(ctx, []byte("<Invoice/>"))
	require.NoError(t, err)
	assert.NotEmpty(t, idx)

	raw, err := stub.CheckStatus(ctx, idx)
	require.NoError(t, err)
	res, err := ubl.DecodeStatus(raw)
	require.NoError(t, err)
	assert.Equal(t, entity.GatewayProcessing, res.State)

	raw, err = stub.CheckStatus(ctx, idx)
	require.NoError(t, err)
	res, err = ubl.DecodeStatus(raw)
	require.NoError(t, err)
	assert.Equal(t, entity.GatewayAccepted, res.State)
	assert.NotEmpty(t, res.DownloadIndex)
}

func TestStubGateway_DistinctUploadIndices(t *testing.T) {
	stub := anaf.NewStubGateway()
	a, _ := stub.Upload(context.Background(), nil)
	b, _ := stub.Upload(context.Background(), nil)
	assert.NotEqual(t, a, b)
}
