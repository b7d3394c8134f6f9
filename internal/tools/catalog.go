package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/driveline/al-assistant/internal/catalog"
)

// catalogTools binds the registry's automotive tools to the catalog
// service client.
type catalogTools struct {
	client *catalog.Client
}

// NewCatalogRegistry builds the standard registry: every tool the
// assistant can call, backed by the catalog service.
func NewCatalogRegistry(client *catalog.Client) *Registry {
	r := NewRegistry()
	ct := &catalogTools{client: client}

	r.Register(&Tool{
		Name:        "search_vehicles",
		Description: "Search the vehicle catalog by free text with optional filters. Returns up to 10 matching vehicles with id, make, model, year, and price.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "Free-text search (e.g., 'hybrid suv under 30k', 'manual coupe')",
				},
				"make": map[string]any{
					"type":        "string",
					"description": "Restrict to one manufacturer",
				},
				"year_min": map[string]any{
					"type":        "integer",
					"description": "Earliest model year",
					"minimum":     1950,
				},
				"year_max": map[string]any{
					"type":        "integer",
					"description": "Latest model year",
					"minimum":     1950,
				},
				"price_max_usd": map[string]any{
					"type":        "number",
					"description": "Maximum price in USD",
					"minimum":     0,
				},
			},
			"required": []string{"query"},
		},
		Handler: ct.handleSearchVehicles,
	})

	r.Register(&Tool{
		Name:        "get_vehicle",
		Description: "Fetch full details for one vehicle by its catalog id (from search_vehicles results). Returns make, model, year, trim, drivetrain, fuel type, mileage, and price.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"vehicle_id": map[string]any{
					"type":        "string",
					"description": "The catalog vehicle id (e.g., veh-1042)",
				},
			},
			"required": []string{"vehicle_id"},
		},
		Handler: ct.handleGetVehicle,
	})

	r.Register(&Tool{
		Name:        "search_parts",
		Description: "Search the parts catalog. Optionally scope to a vehicle id so only fitting parts return. Returns part name, brand, price, and stock status.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "Part search text (e.g., 'brake pads', 'cabin air filter')",
				},
				"vehicle_id": map[string]any{
					"type":        "string",
					"description": "Optional vehicle id to filter to compatible parts",
				},
			},
			"required": []string{"query"},
		},
		Handler: ct.handleSearchParts,
	})

	r.Register(&Tool{
		Name:        "list_events",
		Description: "List upcoming automotive events (shows, meets, track days) in a region. Returns title, venue, and start time.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"region": map[string]any{
					"type":        "string",
					"description": "Region or metro name (e.g., 'pacific-northwest', 'austin')",
				},
				"limit": map[string]any{
					"type":        "integer",
					"description": "Maximum events to return (default 10)",
					"minimum":     1,
					"maximum":     25,
				},
			},
			"required": []string{"region"},
		},
		Handler: ct.handleListEvents,
	})

	r.Register(&Tool{
		Name:        "decode_vin",
		Description: "Decode a 17-character VIN into make, model, year, engine, and assembly plant country.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"vin": map[string]any{
					"type":        "string",
					"description": "The 17-character Vehicle Identification Number",
				},
			},
			"required": []string{"vin"},
		},
		Handler: ct.handleDecodeVIN,
	})

	r.Register(&Tool{
		Name:        "maintenance_schedule",
		Description: "Get the factory maintenance schedule for a vehicle. Pass the current mileage to get the services due next.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"vehicle_id": map[string]any{
					"type":        "string",
					"description": "The catalog vehicle id",
				},
				"mileage_miles": map[string]any{
					"type":        "integer",
					"description": "Current odometer reading in miles",
					"minimum":     0,
				},
			},
			"required": []string{"vehicle_id"},
		},
		Handler: ct.handleMaintenanceSchedule,
	})

	return r
}

const maxVehicleResults = 10

func (ct *catalogTools) handleSearchVehicles(ctx context.Context, args map[string]any) (string, error) {
	query, _ := args["query"].(string)
	filter := catalog.VehicleFilter{}
	if m, ok := args["make"].(string); ok {
		filter.Make = m
	}
	if y, ok := toFloat(args["year_min"]); ok {
		filter.YearMin = int(y)
	}
	if y, ok := toFloat(args["year_max"]); ok {
		filter.YearMax = int(y)
	}
	if p, ok := toFloat(args["price_max_usd"]); ok {
		filter.PriceMaxUSD = p
	}

	vehicles, err := ct.client.SearchVehicles(ctx, query, filter)
	if err != nil {
		return "", err
	}
	if len(vehicles) == 0 {
		return fmt.Sprintf("No vehicles matched %q.", query), nil
	}
	if len(vehicles) > maxVehicleResults {
		vehicles = vehicles[:maxVehicleResults]
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d vehicle(s):\n", len(vehicles))
	for _, v := range vehicles {
		fmt.Fprintf(&b, "- %s: %d %s %s", v.ID, v.Year, v.Make, v.Model)
		if v.Trim != "" {
			fmt.Fprintf(&b, " %s", v.Trim)
		}
		if v.PriceUSD > 0 {
			fmt.Fprintf(&b, ", $%.0f", v.PriceUSD)
		}
		b.WriteString("\n")
	}
	return b.String(), nil
}

func (ct *catalogTools) handleGetVehicle(ctx context.Context, args map[string]any) (string, error) {
	id, _ := args["vehicle_id"].(string)

	v, err := ct.client.GetVehicle(ctx, id)
	if errors.Is(err, catalog.ErrNotFound) {
		return fmt.Sprintf("No vehicle with id %q in the catalog.", id), nil
	}
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d %s %s", v.Year, v.Make, v.Model)
	if v.Trim != "" {
		fmt.Fprintf(&b, " %s", v.Trim)
	}
	b.WriteString("\n")
	if v.BodyStyle != "" {
		fmt.Fprintf(&b, "Body: %s\n", v.BodyStyle)
	}
	if v.Drivetrain != "" {
		fmt.Fprintf(&b, "Drivetrain: %s\n", v.Drivetrain)
	}
	if v.FuelType != "" {
		fmt.Fprintf(&b, "Fuel: %s\n", v.FuelType)
	}
	if v.MileageMiles > 0 {
		fmt.Fprintf(&b, "Mileage: %d miles\n", v.MileageMiles)
	}
	if v.PriceUSD > 0 {
		fmt.Fprintf(&b, "Price: $%.0f\n", v.PriceUSD)
	}
	return b.String(), nil
}

func (ct *catalogTools) handleSearchParts(ctx context.Context, args map[string]any) (string, error) {
	query, _ := args["query"].(string)
	vehicleID, _ := args["vehicle_id"].(string)

	parts, err := ct.client.SearchParts(ctx, query, vehicleID)
	if err != nil {
		return "", err
	}
	if len(parts) == 0 {
		return fmt.Sprintf("No parts matched %q.", query), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d part(s):\n", len(parts))
	for _, p := range parts {
		fmt.Fprintf(&b, "- %s", p.Name)
		if p.Brand != "" {
			fmt.Fprintf(&b, " (%s)", p.Brand)
		}
		if p.PriceUSD > 0 {
			fmt.Fprintf(&b, ", $%.2f", p.PriceUSD)
		}
		if p.InStock {
			b.WriteString(", in stock")
		} else {
			b.WriteString(", out of stock")
		}
		if p.FitsNote != "" {
			fmt.Fprintf(&b, " (%s)", p.FitsNote)
		}
		b.WriteString("\n")
	}
	return b.String(), nil
}

func (ct *catalogTools) handleListEvents(ctx context.Context, args map[string]any) (string, error) {
	region, _ := args["region"].(string)
	limit := 10
	if l, ok := toFloat(args["limit"]); ok {
		limit = int(l)
	}

	events, err := ct.client.ListEvents(ctx, region, limit)
	if err != nil {
		return "", err
	}
	if len(events) == 0 {
		return fmt.Sprintf("No upcoming events in %q.", region), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Upcoming events in %s:\n", region)
	for _, e := range events {
		fmt.Fprintf(&b, "- %s", e.Title)
		if e.Venue != "" {
			fmt.Fprintf(&b, " at %s", e.Venue)
		}
		fmt.Fprintf(&b, ", %s\n", e.StartsAt.Format("2006-01-02 15:04"))
	}
	return b.String(), nil
}

func (ct *catalogTools) handleDecodeVIN(ctx context.Context, args map[string]any) (string, error) {
	vin, _ := args["vin"].(string)
	vin = strings.ToUpper(strings.TrimSpace(vin))
	if len(vin) != 17 {
		return "", &ErrInvalidInput{ToolName: "decode_vin", Field: "vin", Reason: "must be exactly 17 characters"}
	}

	details, err := ct.client.DecodeVIN(ctx, vin)
	if errors.Is(err, catalog.ErrNotFound) {
		return fmt.Sprintf("VIN %s did not decode to a known vehicle.", vin), nil
	}
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "VIN %s: %d %s %s\n", details.VIN, details.Year, details.Make, details.Model)
	if details.Engine != "" {
		fmt.Fprintf(&b, "Engine: %s\n", details.Engine)
	}
	if details.PlantCountry != "" {
		fmt.Fprintf(&b, "Assembled in: %s\n", details.PlantCountry)
	}
	return b.String(), nil
}

func (ct *catalogTools) handleMaintenanceSchedule(ctx context.Context, args map[string]any) (string, error) {
	vehicleID, _ := args["vehicle_id"].(string)
	mileage := 0
	if m, ok := toFloat(args["mileage_miles"]); ok {
		mileage = int(m)
	}

	items, err := ct.client.MaintenanceSchedule(ctx, vehicleID, mileage)
	if errors.Is(err, catalog.ErrNotFound) {
		return fmt.Sprintf("No maintenance schedule for vehicle %q.", vehicleID), nil
	}
	if err != nil {
		return "", err
	}
	if len(items) == 0 {
		return "No maintenance items on the schedule.", nil
	}

	var b strings.Builder
	b.WriteString("Maintenance schedule:\n")
	for _, item := range items {
		fmt.Fprintf(&b, "- %s", item.Service)
		if item.IntervalMiles > 0 {
			fmt.Fprintf(&b, ", every %d miles", item.IntervalMiles)
		}
		if item.IntervalMonths > 0 {
			fmt.Fprintf(&b, ", every %d months", item.IntervalMonths)
		}
		if item.Note != "" {
			fmt.Fprintf(&b, " (%s)", item.Note)
		}
		b.WriteString("\n")
	}
	return b.String(), nil
}
