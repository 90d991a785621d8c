package avela

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/Sternrassler/avela-client/pkg/client"
	"github.com/rs/zerolog"
)

// ErrNotApplied is returned when the server answers 2xx but reports that a
// mutation did not succeed.
var ErrNotApplied = errors.New("not applied")

// OfferStatus is the target status of an offer update.
type OfferStatus string

const (
	OfferAccepted OfferStatus = "Accepted"
	OfferDeclined OfferStatus = "Declined"
)

// ParseOfferAction maps the "accept"/"decline" actions of an update file to
// a status.
func ParseOfferAction(action string) (OfferStatus, error) {
	switch action {
	case "accept":
		return OfferAccepted, nil
	case "decline":
		return OfferDeclined, nil
	default:
		return "", fmt.Errorf("invalid action %q (want accept or decline)", action)
	}
}

// Offers updates offer statuses.
type Offers struct {
	exec   Executor
	logger zerolog.Logger
}

type offerRef struct {
	OfferID string `json:"offer_id"`
}

type offerStatusRequest struct {
	Offers []offerRef  `json:"offers"`
	Status OfferStatus `json:"status"`
}

// UpdateStatus sets every offer in offerIDs to status in one request. A
// response without data.success returns an error wrapping ErrNotApplied.
func (o *Offers) UpdateStatus(ctx context.Context, offerIDs []string, status OfferStatus) error {
	if len(offerIDs) == 0 {
		return nil
	}

	body := offerStatusRequest{Status: status}
	for _, id := range offerIDs {
		body.Offers = append(body.Offers, offerRef{OfferID: id})
	}

	resp, err := o.exec.Execute(ctx, &client.Request{
		Method: http.MethodPut,
		Path:   "/forms/offers/status",
		Body:   body,
	})
	if err != nil {
		return fmt.Errorf("update %d offers to %s: %w", len(offerIDs), status, err)
	}

	var out struct {
		Data struct {
			Success bool `json:"success"`
		} `json:"data"`
	}
	if err := resp.Decode(&out); err != nil {
		return err
	}
	if !out.Data.Success {
		return fmt.Errorf("update %d offers to %s: %w", len(offerIDs), status, ErrNotApplied)
	}

	o.logger.Info().
		Str("offer_status", string(status)).
		Int("offers", len(offerIDs)).
		Msg("Updated offer status")
	return nil
}
