// Package catalog is the client for the vehicle catalog and search
// service. The assistant's tools read through it; nothing here writes.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/driveline/al-assistant/internal/buildinfo"
	"github.com/driveline/al-assistant/internal/config"
)

// ErrNotFound is returned when the catalog has no record for the
// requested id or VIN.
var ErrNotFound = errors.New("catalog: not found")

// Vehicle is a catalog vehicle listing.
type Vehicle struct {
	ID           string  `json:"id"`
	Make         string  `json:"make"`
	Model        string  `json:"model"`
	Year         int     `json:"year"`
	Trim         string  `json:"trim,omitempty"`
	BodyStyle    string  `json:"body_style,omitempty"`
	Drivetrain   string  `json:"drivetrain,omitempty"`
	FuelType     string  `json:"fuel_type,omitempty"`
	PriceUSD     float64 `json:"price_usd,omitempty"`
	MileageMiles int     `json:"mileage_miles,omitempty"`
}

// Part is a catalog part listing.
type Part struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Brand    string  `json:"brand,omitempty"`
	PriceUSD float64 `json:"price_usd,omitempty"`
	InStock  bool    `json:"in_stock"`
	FitsNote string  `json:"fits_note,omitempty"`
}

// Event is a local automotive event (shows, meets, recalls clinics).
type Event struct {
	ID       string    `json:"id"`
	Title    string    `json:"title"`
	Venue    string    `json:"venue,omitempty"`
	Region   string    `json:"region"`
	StartsAt time.Time `json:"starts_at"`
}

// VINDetails is the decoded registration data for a VIN.
type VINDetails struct {
	VIN          string `json:"vin"`
	Make         string `json:"make"`
	Model        string `json:"model"`
	Year         int    `json:"year"`
	PlantCountry string `json:"plant_country,omitempty"`
	Engine       string `json:"engine,omitempty"`
}

// MaintenanceItem is one entry in a factory maintenance schedule.
type MaintenanceItem struct {
	Service        string `json:"service"`
	IntervalMiles  int    `json:"interval_miles,omitempty"`
	IntervalMonths int    `json:"interval_months,omitempty"`
	Note           string `json:"note,omitempty"`
}

// VehicleFilter narrows a vehicle search.
type VehicleFilter struct {
	Make        string
	YearMin     int
	YearMax     int
	PriceMaxUSD float64
}

// Client calls the catalog service. Safe for concurrent use.
type Client struct {
	http   *resty.Client
	logger *slog.Logger
}

// NewClient builds a catalog client from configuration.
func NewClient(cfg config.CatalogConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	rc := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(10 * time.Second).
		SetHeader("User-Agent", buildinfo.UserAgent()).
		SetRetryCount(2).
		SetRetryWaitTime(200 * time.Millisecond)
	if cfg.APIKey != "" {
		rc.SetHeader("Authorization", "Bearer "+cfg.APIKey)
	}

	return &Client{
		http:   rc,
		logger: logger.With("component", "catalog"),
	}
}

// SearchVehicles runs a free-text vehicle search with optional filters.
func (c *Client) SearchVehicles(ctx context.Context, query string, filter VehicleFilter) ([]Vehicle, error) {
	params := map[string]string{"q": query}
	if filter.Make != "" {
		params["make"] = filter.Make
	}
	if filter.YearMin > 0 {
		params["year_min"] = strconv.Itoa(filter.YearMin)
	}
	if filter.YearMax > 0 {
		params["year_max"] = strconv.Itoa(filter.YearMax)
	}
	if filter.PriceMaxUSD > 0 {
		params["price_max"] = strconv.FormatFloat(filter.PriceMaxUSD, 'f', 2, 64)
	}

	var out struct {
		Vehicles []Vehicle `json:"vehicles"`
	}
	if err := c.get(ctx, "/v1/vehicles/search", params, &out); err != nil {
		return nil, fmt.Errorf("search vehicles: %w", err)
	}
	return out.Vehicles, nil
}

// GetVehicle fetches one vehicle by catalog id.
func (c *Client) GetVehicle(ctx context.Context, id string) (*Vehicle, error) {
	var out Vehicle
	if err := c.get(ctx, "/v1/vehicles/"+id, nil, &out); err != nil {
		return nil, fmt.Errorf("get vehicle %s: %w", id, err)
	}
	return &out, nil
}

// SearchParts searches parts, optionally restricted to a vehicle.
func (c *Client) SearchParts(ctx context.Context, query, vehicleID string) ([]Part, error) {
	params := map[string]string{"q": query}
	if vehicleID != "" {
		params["vehicle_id"] = vehicleID
	}

	var out struct {
		Parts []Part `json:"parts"`
	}
	if err := c.get(ctx, "/v1/parts/search", params, &out); err != nil {
		return nil, fmt.Errorf("search parts: %w", err)
	}
	return out.Parts, nil
}

// ListEvents lists upcoming automotive events in a region.
func (c *Client) ListEvents(ctx context.Context, region string, limit int) ([]Event, error) {
	params := map[string]string{"region": region}
	if limit > 0 {
		params["limit"] = strconv.Itoa(limit)
	}

	var out struct {
		Events []Event `json:"events"`
	}
	if err := c.get(ctx, "/v1/events", params, &out); err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return out.Events, nil
}

// DecodeVIN decodes a 17-character VIN.
func (c *Client) DecodeVIN(ctx context.Context, vin string) (*VINDetails, error) {
	var out VINDetails
	if err := c.get(ctx, "/v1/vin/"+vin, nil, &out); err != nil {
		return nil, fmt.Errorf("decode vin: %w", err)
	}
	return &out, nil
}

// MaintenanceSchedule fetches the factory schedule for a vehicle.
func (c *Client) MaintenanceSchedule(ctx context.Context, vehicleID string, mileageMiles int) ([]MaintenanceItem, error) {
	params := map[string]string{}
	if mileageMiles > 0 {
		params["mileage"] = strconv.Itoa(mileageMiles)
	}

	var out struct {
		Items []MaintenanceItem `json:"items"`
	}
	if err := c.get(ctx, "/v1/vehicles/"+vehicleID+"/maintenance", params, &out); err != nil {
		return nil, fmt.Errorf("maintenance schedule: %w", err)
	}
	return out.Items, nil
}

// Ping checks the catalog service health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.http.R().SetContext(ctx).Get("/health")
	if err != nil {
		return fmt.Errorf("catalog ping: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("catalog ping: status %d", resp.StatusCode())
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string, params map[string]string, out any) error {
	req := c.http.R().SetContext(ctx).SetResult(out)
	if len(params) > 0 {
		req.SetQueryParams(params)
	}

	start := time.Now()
	resp, err := req.Get(path)
	if err != nil {
		return err
	}

	c.logger.Debug("catalog request",
		"path", path,
		"status", resp.StatusCode(),
		"duration", time.Since(start).Round(time.Millisecond),
	)

	switch {
	case resp.StatusCode() == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode() >= 400:
		return fmt.Errorf("status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}
