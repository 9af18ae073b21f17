package trainer

import (
	"sort"

	"github.com/pkg/errors"

	"imsat-forge/internal/regularize"
)

const (
	vat      = regularize.KindVAT
	geo      = regularize.KindGeo
	mixup    = regularize.KindMixup
	gaussian = regularize.KindGaussian
	cutout   = regularize.KindCutout
	iic      = regularize.KindIIC
)

// variants maps a trainer name to its regularizers in evaluation order. The
// order decides how a shared random stream would be consumed, so it follows
// the historical composition of each trainer rather than its name.
var variants = map[string][]regularize.Kind{
	"imsat":                   {},
	"geo":                     {geo},
	"vat":                     {vat},
	"mixup":                   {mixup},
	"gaussian":                {gaussian},
	"cutout":                  {cutout},
	"vat-geo":                 {vat, geo},
	"vat-mixup":               {mixup, vat},
	"geo-mixup":               {mixup, geo},
	"vat-geo-mixup":           {mixup, vat, geo},
	"vat-iic-geo":             {vat, iic},
	"geo-gaussian":            {gaussian, geo},
	"vat-gaussian":            {vat, gaussian},
	"mixup-gaussian":          {mixup, gaussian},
	"geo-cutout":              {cutout, geo},
	"vat-cutout":              {vat, cutout},
	"mixup-cutout":            {mixup, cutout},
	"cutout-gaussian":         {cutout, gaussian},
	"geo-vat-cutout":          {vat, geo, cutout},
	"geo-vat-gaussian":        {vat, gaussian, geo},
	"geo-mixup-cutout":        {mixup, cutout, geo},
	"geo-vat-cutout-gaussian": {vat, geo, cutout, gaussian},
	"vat-mixup-cutout":        {mixup, vat, cutout},
}

// Variants lists every trainer name, sorted.
func Variants() []string {
	names := make([]string, 0, len(variants))
	for name := range variants {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup returns a copy of the regularizer kinds of a trainer.
func Lookup(name string) ([]regularize.Kind, error) {
	kinds, ok := variants[name]
	if !ok {
		return nil, errors.Errorf("trainer: unknown variant %q", name)
	}
	return append([]regularize.Kind(nil), kinds...), nil
}
