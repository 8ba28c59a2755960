package webhook

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

const malformedEventType = "malformed"

type Payload struct {
	Event string `json:"event"`
	Data  Data   `json:"data"`
}

type Data struct {
	Reference       string `json:"reference"`
	Amount          int64  `json:"amount"`
	Status          string `json:"status"`
	PaidAt          string `json:"paid_at"`
	TransferCode    string `json:"transfer_code"`
	GatewayResponse string `json:"gateway_response"`
	Reason          string `json:"reason"`
}

func parse(body []byte) (*Payload, error) {
	var p Payload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, errors.Wrap(err, "decode webhook body")
	}
	if p.Event == "" {
		return &p, errors.New("webhook has no event")
	}
	if p.Data.Reference == "" {
		return &p, errors.New("webhook has no data.reference")
	}
	return &p, nil
}

func (p *Payload) paidAt() *time.Time {
	if p.Data.PaidAt == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, p.Data.PaidAt)
	if err != nil {
		return nil
	}
	return &t
}

func (p *Payload) reason() string {
	for _, r := range []string{p.Data.GatewayResponse, p.Data.Reason} {
		if r != "" {
			return p.Event + ": " + r
		}
	}
	return p.Event
}

func bodyDigest(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
