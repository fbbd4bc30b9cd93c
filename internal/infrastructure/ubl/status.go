package ubl

import (
	"encoding/xml"
	"fmt"
	"strings"

	"github.com/contazen/efactura-api/internal/domain/entity"
)

// Namespace of the stareMesaj response envelope.
const NsStatusResponse = "mfp:anaf:dgti:efactura:stareMesajFactura:v1"

type statusEnvelope struct {
	XMLName       xml.Name      `xml:"header"`
	Stare         string        `xml:"stare,attr"`
	IDDescarcare  string        `xml:"id_descarcare,attr"`
	Errors        []statusError `xml:"Errors"`
}

type statusError struct {
	ErrorMessage string `xml:"errorMessage,attr"`
}

// DecodeStatus is the codec's decoding half: it maps the raw gateway status
// body onto the three-valued gateway state. Rejection messages are carried
// verbatim, never paraphrased, because the operator has to quote them back
// to the authority.
func DecodeStatus(raw []byte) (*entity.StatusResult, error) {
	var env statusEnvelope
	if err := xml.Unmarshal(raw, &env); err != nil {
		return nil, entity.NewPipelineError(entity.ErrKindEncoding,
			"unparseable status response: "+err.Error())
	}

	switch strings.TrimSpace(strings.ToLower(env.Stare)) {
	case "ok":
		if env.IDDescarcare == "" {
			return nil, entity.NewPipelineError(entity.ErrKindEncoding,
				"accepted status without a download index")
		}
		return &entity.StatusResult{
			State:         entity.GatewayAccepted,
			DownloadIndex: env.IDDescarcare,
		}, nil
	case "nok":
		msgs := make([]string, 0, len(env.Errors))
		for _, e := range env.Errors {
			if e.ErrorMessage != "" {
				msgs = append(msgs, e.ErrorMessage)
			}
		}
		return &entity.StatusResult{
			State:         entity.GatewayRejected,
			DownloadIndex: env.IDDescarcare,
			Errors:        msgs,
		}, nil
	case "in prelucrare":
		return &entity.StatusResult{State: entity.GatewayProcessing}, nil
	default:
		// An unknown or missing marker is a protocol surprise, not a
		// rejection, and must not be mistaken for "still processing". The
		// state machine treats it as a failed attempt and retries.
		return nil, entity.NewPipelineError(entity.ErrKindEncoding,
			fmt.Sprintf("unknown gateway state %q", env.Stare))
	}
}
