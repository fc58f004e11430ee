package feed

import (
	"context"
	"fmt"
	"net/http"
	"time"

	gtfsrtpb "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"google.golang.org/protobuf/proto"
)

// Alert is a simplified GTFS-Realtime service alert.
type Alert struct {
	ID          string    `json:"id" yaml:"id"`
	Header      string    `json:"header" yaml:"header"`
	Description string    `json:"description" yaml:"description"`
	Cause       string    `json:"cause" yaml:"cause"`
	Effect      string    `json:"effect" yaml:"effect"`
	StopIDs     []string  `json:"stop_ids,omitempty" yaml:"stop_ids,omitempty"`
	RouteIDs    []string  `json:"route_ids,omitempty" yaml:"route_ids,omitempty"`
	Start       time.Time `json:"start,omitzero" yaml:"start,omitempty"`
	End         time.Time `json:"end,omitzero" yaml:"end,omitempty"`
}

// AlertsClient fetches a GTFS-Realtime service alerts feed.
type AlertsClient struct {
	url    string
	client *http.Client
}

// NewAlertsClient creates a client for the feed at url
func NewAlertsClient(url string, timeout time.Duration) *AlertsClient {
	return &AlertsClient{url: url, client: newHTTPClient(timeout)}
}

// Fetch downloads and decodes the feed. Entities without an alert are skipped.
func (c *AlertsClient) Fetch(ctx context.Context) ([]Alert, error) {
	body, err := get(ctx, c.client, c.url)
	if err != nil {
		return nil, err
	}
	return DecodeAlerts(body)
}

// DecodeAlerts parses a serialized FeedMessage
func DecodeAlerts(b []byte) ([]Alert, error) {
	var fm gtfsrtpb.FeedMessage
	if err := proto.Unmarshal(b, &fm); err != nil {
		return nil, fmt.Errorf("decode feed message: %w", err)
	}

	var alerts []Alert
	for _, e := range fm.GetEntity() {
		a := e.GetAlert()
		if a == nil || e.GetIsDeleted() {
			continue
		}
		alert := Alert{
			ID:          e.GetId(),
			Header:      translatedText(a.GetHeaderText()),
			Description: translatedText(a.GetDescriptionText()),
			Cause:       a.GetCause().String(),
			Effect:      a.GetEffect().String(),
		}
		for _, ie := range a.GetInformedEntity() {
			if id := ie.GetStopId(); id != "" {
				alert.StopIDs = append(alert.StopIDs, id)
			}
			if id := ie.GetRouteId(); id != "" {
				alert.RouteIDs = append(alert.RouteIDs, id)
			}
		}
		if periods := a.GetActivePeriod(); len(periods) > 0 {
			if s := periods[0].GetStart(); s > 0 {
				alert.Start = time.Unix(int64(s), 0).UTC()
			}
			if end := periods[0].GetEnd(); end > 0 {
				alert.End = time.Unix(int64(end), 0).UTC()
			}
		}
		alerts = append(alerts, alert)
	}
	return alerts, nil
}

// translatedText prefers a translation without a language tag, otherwise
// the first one.
func translatedText(ts *gtfsrtpb.TranslatedString) string {
	var first string
	for i, tr := range ts.GetTranslation() {
		if tr.GetLanguage() == "" {
			return tr.GetText()
		}
		if i == 0 {
			first = tr.GetText()
		}
	}
	return first
}
