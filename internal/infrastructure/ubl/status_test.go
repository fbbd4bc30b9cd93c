package ubl_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contazen/efactura-api/internal/domain/entity"
	"github.com/contazen/efactura-api/internal/infrastructure/ubl"
)

func TestDecodeStatus_Accepted(t *testing.T) {
	raw := []byte(`<header xmlns="` + ubl.NsStatusResponse + `" stare="ok" id_descarcare="123456789"/>`)

	res, err := ubl.DecodeStatus(raw)
	require.NoError(t, err)
	assert.Equal(t, entity.GatewayAccepted, res.State)
	assert.Equal(t, "123456789", res.DownloadIndex)
}

func TestDecodeStatus_AcceptedWithoutDownloadIndexIsError(t *testing.T) {
	raw := []byte(`<header xmlns="` + ubl.NsStatusResponse + `" stare="ok"/>`)

	_, err := ubl.DecodeStatus(raw)
	assert.Error(t, err)
}

// Rejection messages must come through verbatim; operators quote them back
// to the authority.
func TestDecodeStatus_RejectedKeepsMessagesVerbatim(t *testing.T) {
	raw := []byte(`<header xmlns="` + ubl.NsStatusResponse + `" stare="nok" id_descarcare="987">
		<Errors errorMessage="E001: CUI invalid pentru furnizor"/>
		<Errors errorMessage="E014: suma TVA nu corespunde cotei"/>
	</header>`)

	res, err := ubl.DecodeStatus(raw)
	require.NoError(t, err)
	assert.Equal(t, entity.GatewayRejected, res.State)
	assert.Equal(t, "987", res.DownloadIndex)
	require.Len(t, res.Errors, 2)
	assert.Equal(t, "E001: CUI invalid pentru furnizor", res.Errors[0])
	assert.Equal(t, "E014: suma TVA nu corespunde cotei", res.Errors[1])
}

func TestDecodeStatus_Processing(t *testing.T) {
	raw := []byte(`<header xmlns="` + ubl.NsStatusResponse + `" stare="in prelucrare"/>`)

	res, err := ubl.DecodeStatus(raw)
	require.NoError(t, err)
	assert.Equal(t, entity.GatewayProcessing, res.State)
}

// An unrecognized marker is a protocol surprise, not a rejection; the
// decoder refuses to guess.
func TestDecodeStatus_UnknownMarker(t *testing.T) {
	raw := []byte(`<header xmlns="` + ubl.NsStatusResponse + `" stare="corrupted"/>`)

	_, err := ubl.DecodeStatus(raw)
	require.Error(t, err)
	var pe *entity.PipelineError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, entity.ErrKindEncoding, pe.Kind)
	assert.Contains(t, pe.Message, "corrupted")
}

// A header with no state marker at all must not pass for "still processing";
// it is the same contract drift as an unknown marker.
func TestDecodeStatus_MissingStateMarkerIsError(t *testing.T) {
	raw := []byte(`<header xmlns="` + ubl.NsStatusResponse + `" id_descarcare="123"/>`)

	_, err := ubl.DecodeStatus(raw)
	require.Error(t, err)
	var pe *entity.PipelineError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, entity.ErrKindEncoding, pe.Kind)
}

func TestDecodeStatus_Garbage(t *testing.T) {
	_, err := ubl.DecodeStatus([]byte("not xml at all"))
	assert.Error(t, err)
}
