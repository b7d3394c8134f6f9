package catalog

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/driveline/al-assistant/internal/config"
)

func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(config.CatalogConfig{BaseURL: srv.URL, APIKey: "test-key"}, nil)
}

func TestSearchVehicles(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/vehicles/search" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q", got)
		}
		q := r.URL.Query()
		if q.Get("q") != "hybrid suv" || q.Get("year_min") != "2020" || q.Get("price_max") != "35000.00" {
			t.Errorf("query = %v", q)
		}

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"vehicles": [
			{"id": "veh-1", "make": "Toyota", "model": "RAV4 Hybrid", "year": 2022, "price_usd": 31500},
			{"id": "veh-2", "make": "Honda", "model": "CR-V Hybrid", "year": 2021, "price_usd": 29900}
		]}`)
	})

	vehicles, err := c.SearchVehicles(context.Background(), "hybrid suv", VehicleFilter{YearMin: 2020, PriceMaxUSD: 35000})
	if err != nil {
		t.Fatalf("SearchVehicles: %v", err)
	}
	if len(vehicles) != 2 {
		t.Fatalf("vehicles = %d, want 2", len(vehicles))
	}
	if vehicles[0].ID != "veh-1" || vehicles[0].Make != "Toyota" {
		t.Errorf("first vehicle = %+v", vehicles[0])
	}
}

func TestGetVehicle_NotFound(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": "not found"}`, http.StatusNotFound)
	})

	_, err := c.GetVehicle(context.Background(), "veh-missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("GetVehicle = %v, want ErrNotFound", err)
	}
}

func TestDecodeVIN(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/vin/1HGCM82633A004352" {
			t.Errorf("path = %q", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"vin": "1HGCM82633A004352", "make": "Honda", "model": "Accord", "year": 2003}`)
	})

	details, err := c.DecodeVIN(context.Background(), "1HGCM82633A004352")
	if err != nil {
		t.Fatalf("DecodeVIN: %v", err)
	}
	if details.Make != "Honda" || details.Year != 2003 {
		t.Errorf("details = %+v", details)
	}
}

func TestMaintenanceSchedule(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/vehicles/veh-1/maintenance" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.URL.Query().Get("mileage"); got != "45000" {
			t.Errorf("mileage = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"items": [
			{"service": "Oil change", "interval_miles": 5000},
			{"service": "Brake fluid", "interval_months": 36}
		]}`)
	})

	items, err := c.MaintenanceSchedule(context.Background(), "veh-1", 45000)
	if err != nil {
		t.Fatalf("MaintenanceSchedule: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("items = %d, want 2", len(items))
	}
	if items[0].Service != "Oil change" || items[0].IntervalMiles != 5000 {
		t.Errorf("first item = %+v", items[0])
	}
}

func TestServerErrorSurfaced(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": "backend down"}`, http.StatusBadGateway)
	})

	_, err := c.SearchParts(context.Background(), "brake pads", "")
	if err == nil {
		t.Fatal("expected error from 502")
	}
	if errors.Is(err, ErrNotFound) {
		t.Errorf("502 should not map to ErrNotFound: %v", err)
	}
}
