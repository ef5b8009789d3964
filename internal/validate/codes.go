package validate

import (
	"sragetl/pkg/contracts/domain"
)

// Coded-value lookup tables for the raw extracts. The numeric codes follow
// the surveillance dictionary (1=yes/cure, 2=no/death, 9=ignored); per-year
// legacy codes come from the schema mapping tables and extend these.

// outcomeCodes maps raw EVOLUCAO values. Code 3 (death by other causes) and
// 9 (ignored) both normalize to unknown: indicator computation counts only
// confirmed case deaths.
var outcomeCodes = map[string]domain.Outcome{
	"1": domain.OutcomeRecovered,
	"2": domain.OutcomeDeath,
	"3": domain.OutcomeUnknown,
	"9": domain.OutcomeUnknown,
}

// boolCodes maps raw yes/no/ignored values. Ignored is null, not false.
var boolCodes = map[string]*bool{
	"1": boolPtr(true),
	"2": boolPtr(false),
	"9": nil,
}

// ventilationCodes maps raw SUPORT_VEN values: only invasive ventilatory
// support counts as mechanically ventilated.
var ventilationCodes = map[string]*bool{
	"1": boolPtr(true),
	"2": boolPtr(false),
	"3": boolPtr(false),
	"9": nil,
}

// vaccinationCodes maps raw VACINA / VACINA_COV values.
var vaccinationCodes = map[string]*domain.VaccinationStatus{
	"1": vaccPtr(domain.VaccinationComplete),
	"2": vaccPtr(domain.VaccinationNone),
	"9": nil,
}

// sexCodes accepts both the numeric and the letter encodings seen across
// extract years.
var sexCodes = map[string]*string{
	"1": strPtr("male"),
	"M": strPtr("male"),
	"2": strPtr("female"),
	"F": strPtr("female"),
	"9": nil,
	"I": nil,
}

// ufRegions is the known geographic code space: federative-unit siglas and
// their region.
var ufRegions = map[string]string{
	"AC": "Norte", "AP": "Norte", "AM": "Norte", "PA": "Norte",
	"RO": "Norte", "RR": "Norte", "TO": "Norte",
	"AL": "Nordeste", "BA": "Nordeste", "CE": "Nordeste", "MA": "Nordeste",
	"PB": "Nordeste", "PE": "Nordeste", "PI": "Nordeste", "RN": "Nordeste",
	"SE": "Nordeste",
	"GO": "Centro-Oeste", "MT": "Centro-Oeste", "MS": "Centro-Oeste",
	"DF": "Centro-Oeste",
	"ES": "Sudeste", "MG": "Sudeste", "RJ": "Sudeste", "SP": "Sudeste",
	"PR": "Sul", "RS": "Sul", "SC": "Sul",
}

// legacyUFCodes remaps the deprecated numeric IBGE unit codes, used by the
// earliest extracts, onto their sigla successor.
var legacyUFCodes = map[string]string{
	"11": "RO", "12": "AC", "13": "AM", "14": "RR", "15": "PA",
	"16": "AP", "17": "TO",
	"21": "MA", "22": "PI", "23": "CE", "24": "RN", "25": "PB",
	"26": "PE", "27": "AL", "28": "SE", "29": "BA",
	"31": "MG", "32": "ES", "33": "RJ", "35": "SP",
	"41": "PR", "42": "SC", "43": "RS",
	"50": "MS", "51": "MT", "52": "GO", "53": "DF",
}

// ageBand buckets an age in years the way the published analyses do.
func ageBand(age float64) string {
	switch {
	case age < 3:
		return "0-2"
	case age < 13:
		return "3-12"
	case age < 19:
		return "13-18"
	case age < 31:
		return "19-30"
	case age < 51:
		return "31-50"
	case age < 66:
		return "51-65"
	default:
		return "65+"
	}
}

func boolPtr(b bool) *bool { return &b }

func strPtr(s string) *string { return &s }

func vaccPtr(v domain.VaccinationStatus) *domain.VaccinationStatus { return &v }
