// Package catalog loads the static marketplace product catalog. Products are
// configuration data: price, duration, and availability are edited by
// operators, never mutated by the application.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrProductNotFound is returned for unknown or unavailable products.
var ErrProductNotFound = errors.New("product not found")

// Product describes one purchasable catalog item.
type Product struct {
	ProductID  string `yaml:"product_id"`
	Name       string `yaml:"name"`
	PointsCost int64  `yaml:"points_cost"`
	Duration   string `yaml:"duration"`
	Available  bool   `yaml:"available"`
}

type catalogFile struct {
	Products []Product `yaml:"products"`
}

// Catalog is an in-memory, read-only product index.
type Catalog struct {
	products map[string]Product
}

// Load reads a YAML catalog file.
func Load(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return Parse(raw)
}

// Parse builds a Catalog from raw YAML.
func Parse(raw []byte) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	products := make(map[string]Product, len(file.Products))
	for _, product := range file.Products {
		productID := strings.TrimSpace(product.ProductID)
		if productID == "" {
			return nil, fmt.Errorf("parse catalog: product with empty product_id")
		}
		if product.PointsCost <= 0 {
			return nil, fmt.Errorf("parse catalog: product %q has non-positive points_cost", productID)
		}
		if _, exists := products[productID]; exists {
			return nil, fmt.Errorf("parse catalog: duplicate product_id %q", productID)
		}
		product.ProductID = productID
		products[productID] = product
	}
	return &Catalog{products: products}, nil
}

// Product resolves an available product by id.
func (cat *Catalog) Product(ctx context.Context, productID string) (Product, error) {
	product, ok := cat.products[productID]
	if !ok || !product.Available {
		return Product{}, fmt.Errorf("%w: %q", ErrProductNotFound, productID)
	}
	return product, nil
}

// Len reports how many products the catalog holds, available or not.
func (cat *Catalog) Len() int {
	return len(cat.products)
}
