package features

import (
	"strings"
	"time"
)

const (
	RegionMetro    = "metro"
	RegionNonMetro = "non-metro"

	CategoryOther = "other"

	defaultLocationRisk = 0.5
)

// locationRisk scores supply risk per known location. Lookups match on a
// case-insensitive substring so "Delhi Central Hospital" resolves to delhi.
var locationRisk = []struct {
	key   string
	risk  float64
	metro bool
}{
	{"delhi", 0.3, true},
	{"mumbai", 0.3, true},
	{"kolkata", 0.35, true},
	{"chennai", 0.3, true},
	{"bengaluru", 0.25, true},
	{"bangalore", 0.25, true},
	{"hyderabad", 0.3, true},
	{"pune", 0.25, true},
	{"ahmedabad", 0.3, true},
	{"jaipur", 0.4, false},
	{"lucknow", 0.45, false},
	{"patna", 0.55, false},
	{"guwahati", 0.6, false},
	{"rural", 0.7, false},
	{"remote", 0.8, false},
}

// medicineCategories is ordered; the first matching keyword wins.
var medicineCategories = []struct {
	keyword  string
	category string
}{
	{"insulin", "diabetes"},
	{"metformin", "diabetes"},
	{"glimepiride", "diabetes"},
	{"paracetamol", "analgesic"},
	{"acetaminophen", "analgesic"},
	{"ibuprofen", "analgesic"},
	{"morphine", "analgesic"},
	{"amoxicillin", "antibiotic"},
	{"azithromycin", "antibiotic"},
	{"ciprofloxacin", "antibiotic"},
	{"ceftriaxone", "antibiotic"},
	{"amlodipine", "cardiovascular"},
	{"atenolol", "cardiovascular"},
	{"losartan", "cardiovascular"},
	{"heparin", "cardiovascular"},
	{"salbutamol", "respiratory"},
	{"albuterol", "respiratory"},
	{"oxygen", "respiratory"},
	{"adrenaline", "emergency"},
	{"epinephrine", "emergency"},
	{"remdesivir", "antiviral"},
	{"oseltamivir", "antiviral"},
	{"vaccine", "vaccine"},
}

var criticalMedicines = []string{
	"insulin", "oxygen", "adrenaline", "epinephrine", "heparin",
	"remdesivir", "morphine", "vaccine", "ceftriaxone",
}

// LocationRisk returns the static risk score and region for a location.
func LocationRisk(location string) (float64, string) {
	l := strings.ToLower(location)
	for _, entry := range locationRisk {
		if strings.Contains(l, entry.key) {
			if entry.metro {
				return entry.risk, RegionMetro
			}
			return entry.risk, RegionNonMetro
		}
	}
	return defaultLocationRisk, RegionNonMetro
}

// MedicineCategory classifies a medicine name, defaulting to "other".
func MedicineCategory(name string) string {
	n := strings.ToLower(name)
	for _, entry := range medicineCategories {
		if strings.Contains(n, entry.keyword) {
			return entry.category
		}
	}
	return CategoryOther
}

// IsCriticalMedicine reports whether shortages of the medicine are life-threatening.
func IsCriticalMedicine(name string) bool {
	n := strings.ToLower(name)
	for _, keyword := range criticalMedicines {
		if strings.Contains(n, keyword) {
			return true
		}
	}
	return false
}

// SeasonalFactor looks up the multiplier for the month of t. Keys are
// matched by full lower-case month name, then by three-letter abbreviation.
func SeasonalFactor(factors map[string]float64, t time.Time) float64 {
	if len(factors) == 0 {
		return 1
	}
	month := strings.ToLower(t.Month().String())
	for key, factor := range factors {
		k := strings.ToLower(strings.TrimSpace(key))
		if k == month || k == month[:3] {
			if factor <= 0 {
				return 1
			}
			return factor
		}
	}
	return 1
}
