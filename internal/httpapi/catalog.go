package httpapi

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// Pais is the country resource served by the reference backend.
type Pais struct {
	ID            int64      `json:"id"`
	CodigoISO     string     `json:"codigo_iso"`
	Nombre        string     `json:"nombre"`
	MonedaCodigo  string     `json:"moneda_codigo"`
	MonedaNombre  string     `json:"moneda_nombre"`
	Region        string     `json:"region"`
	Latitud       float64    `json:"latitud"`
	Longitud      float64    `json:"longitud"`
	Poblacion     int64      `json:"poblacion"`
	Activo        bool       `json:"activo"`
	SincronizadoA *time.Time `json:"sincronizado_a,omitempty"`
}

// Catalog is an in-memory, name-ordered country list.
type Catalog struct {
	mu     sync.RWMutex
	paises []Pais
}

func NewCatalog(paises []Pais) *Catalog {
	out := append([]Pais(nil), paises...)
	sort.Slice(out, func(i, j int) bool { return out[i].Nombre < out[j].Nombre })
	return &Catalog{paises: out}
}

// DefaultCatalog is the seed data of the dev backend.
func DefaultCatalog() *Catalog {
	return NewCatalog([]Pais{
		{ID: 1, CodigoISO: "PE", Nombre: "Perú", MonedaCodigo: "PEN", MonedaNombre: "Sol", Region: "ANDINA", Latitud: -9.19, Longitud: -75.02, Poblacion: 34352719, Activo: true},
		{ID: 2, CodigoISO: "CO", Nombre: "Colombia", MonedaCodigo: "COP", MonedaNombre: "Peso colombiano", Region: "ANDINA", Latitud: 4.57, Longitud: -74.30, Poblacion: 52085168, Activo: true},
		{ID: 3, CodigoISO: "CL", Nombre: "Chile", MonedaCodigo: "CLP", MonedaNombre: "Peso chileno", Region: "CONO_SUR", Latitud: -35.68, Longitud: -71.54, Poblacion: 19629590, Activo: true},
		{ID: 4, CodigoISO: "AR", Nombre: "Argentina", MonedaCodigo: "ARS", MonedaNombre: "Peso argentino", Region: "CONO_SUR", Latitud: -38.42, Longitud: -63.62, Poblacion: 46234830, Activo: true},
		{ID: 5, CodigoISO: "CR", Nombre: "Costa Rica", MonedaCodigo: "CRC", MonedaNombre: "Colón", Region: "CENTROAMERICA", Latitud: 9.75, Longitud: -83.75, Poblacion: 5212173, Activo: true},
		{ID: 6, CodigoISO: "DO", Nombre: "República Dominicana", MonedaCodigo: "DOP", MonedaNombre: "Peso dominicano", Region: "CARIBE", Latitud: 18.74, Longitud: -70.16, Poblacion: 11332972, Activo: true},
	})
}

// List returns active countries, optionally filtered by region.
func (c *Catalog) List(region string) []Pais {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Pais, 0, len(c.paises))
	for _, p := range c.paises {
		if !p.Activo {
			continue
		}
		if region != "" && !strings.EqualFold(p.Region, region) {
			continue
		}
		out = append(out, p)
	}
	return out
}

func (c *Catalog) Get(codigo string) (Pais, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, p := range c.paises {
		if strings.EqualFold(p.CodigoISO, codigo) {
			return p, true
		}
	}
	return Pais{}, false
}

// Touch stamps every country as synced at now and returns how many were touched.
func (c *Catalog) Touch(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	ts := now.UTC()
	for i := range c.paises {
		c.paises[i].SincronizadoA = &ts
	}
	return len(c.paises)
}
