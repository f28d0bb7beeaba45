package packaging

import (
	"fmt"
	"strings"
)

// Credit holds the attribution strings for one imagery source.
type Credit struct {
	// Label names the imagery in human-readable form.
	Label string
	// Attribution is the imagery sentence used in tile metadata.
	Attribution string
	// LicenseLine is the bullet listed under data sources in the license file.
	LicenseLine string
}

// CreditFor returns the attribution block for a tile source. Unknown sources
// fall back to the Blue Marble credit.
func CreditFor(tileSource string) Credit {
	switch strings.ToLower(strings.TrimSpace(tileSource)) {
	case "modis":
		return Credit{
			Label:       "MODIS MCD43A4",
			Attribution: "Imagery: NASA MODIS MCD43A4 (LP DAAC).",
			LicenseLine: "- MODIS MCD43A4 BRDF-Corrected Reflectance (NASA LP DAAC).",
		}
	case "viirs":
		return Credit{
			Label:       "VIIRS Corrected Reflectance",
			Attribution: "Imagery: NASA VIIRS Corrected Reflectance (LP DAAC).",
			LicenseLine: "- VIIRS Corrected Reflectance (VNP09GA, NASA LP DAAC).",
		}
	case "copernicus":
		return Credit{
			Label:       "Copernicus Sentinel-2 Level-2A",
			Attribution: "Imagery: Copernicus Sentinel-2 (European Space Agency).",
			LicenseLine: "- Copernicus Sentinel-2 Level-2A (European Space Agency).",
		}
	case "gsi_orthophotos":
		return Credit{
			Label:       "GSI Seamless Orthophoto",
			Attribution: "Imagery: Geospatial Information Authority of Japan (GSI) Seamless Orthophotography.",
			LicenseLine: "- Geospatial Information Authority of Japan Seamless Orthophotography.",
		}
	}
	return Credit{
		Label:       "NASA Blue Marble Next Generation (2004)",
		Attribution: "Imagery: NASA Blue Marble (2004).",
		LicenseLine: "- NASA Blue Marble Next Generation (2004).",
	}
}

// LicenseText renders the LICENSE_AND_CREDITS.txt body for a distribution
// built from the given imagery credit.
func LicenseText(credit Credit) string {
	return fmt.Sprintf(
		"Planetile Distribution\n\n"+
			"Data Sources:\n"+
			"%s\n"+
			"- GEBCO 2024 Global Bathymetry Grid.\n"+
			"- Natural Earth 1:10m land/ocean/coastline layers.\n\n"+
			"Attribution:\n"+
			"%s Bathymetry courtesy of GEBCO Compilation Group. "+
			"Natural Earth data is in the public domain.",
		credit.LicenseLine, credit.Attribution)
}
