package rentals

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/example/rental-tracking/internal/models"
)

// HTTPDirectory looks rentals up on the rentals REST API.
type HTTPDirectory struct {
	Endpoint string
	Client   *http.Client
	cache    *Cache
}

func NewHTTPDirectory(endpoint string, ttl time.Duration) *HTTPDirectory {
	d := &HTTPDirectory{
		Endpoint: strings.TrimRight(endpoint, "/"),
		Client:   &http.Client{Timeout: 2 * time.Second},
	}
	if ttl > 0 {
		d.cache = NewCache(ttl)
	}
	return d
}

// apiRental is the rentals API payload; only the tracked fields are decoded.
type apiRental struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Car    struct {
		Make         string `json:"make"`
		Model        string `json:"model"`
		LicensePlate string `json:"licensePlate"`
		FuelType     string `json:"fuelType"`
		Year         int    `json:"year"`
	} `json:"car"`
	User struct {
		Name  string `json:"name"`
		Phone string `json:"phone"`
		Email string `json:"email"`
	} `json:"user"`
}

func (a apiRental) toModel() models.Rental {
	return models.Rental{
		ID: a.ID,
		Vehicle: models.Vehicle{
			Make:         a.Car.Make,
			Model:        a.Car.Model,
			LicensePlate: a.Car.LicensePlate,
			FuelType:     a.Car.FuelType,
			Year:         a.Car.Year,
		},
		Renter: models.Renter{Name: a.User.Name, Phone: a.User.Phone, Email: a.User.Email},
		Status: models.RentalStatus(strings.ToLower(a.Status)),
	}
}

// Lookup queries GET {endpoint}/api/rentals/{id}.
func (d *HTTPDirectory) Lookup(ctx context.Context, rentalID string) (models.Rental, error) {
	if d.cache != nil {
		if r, ok := d.cache.Get(rentalID); ok {
			return r, nil
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.Endpoint+"/api/rentals/"+url.PathEscape(rentalID), nil)
	if err != nil {
		return models.Rental{ID: rentalID}, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := d.Client.Do(req)
	if err != nil {
		return models.Rental{ID: rentalID}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return models.Rental{ID: rentalID}, ErrRentalNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return models.Rental{ID: rentalID}, fmt.Errorf("rentals api: status %d", resp.StatusCode)
	}
	var out apiRental
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return models.Rental{ID: rentalID}, err
	}
	r := out.toModel()
	if r.ID == "" {
		r.ID = rentalID
	}
	if d.cache != nil {
		d.cache.Set(rentalID, r)
	}
	return r, nil
}
