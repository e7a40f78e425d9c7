package accesskey

var ufByCode = map[string]string{
	"11": "RO", "12": "AC", "13": "AM", "14": "RR", "15": "PA", "16": "AP", "17": "TO",
	"21": "MA", "22": "PI", "23": "CE", "24": "RN", "25": "PB", "26": "PE", "27": "AL", "28": "SE", "29": "BA",
	"31": "MG", "32": "ES", "33": "RJ", "35": "SP",
	"41": "PR", "42": "SC", "43": "RS",
	"50": "MS", "51": "MT", "52": "GO", "53": "DF",
}

var codeByUF = func() map[string]string {
	m := make(map[string]string, len(ufByCode))
	for code, uf := range ufByCode {
		m[uf] = code
	}
	return m
}()

// UFFromCode maps an IBGE state code to its abbreviation
func UFFromCode(code string) (string, bool) {
	uf, ok := ufByCode[code]
	return uf, ok
}

// UFCode maps a state abbreviation to its IBGE code
func UFCode(uf string) (string, bool) {
	code, ok := codeByUF[uf]
	return code, ok
}

// KnownUF reports whether uf is one of the 27 federative units
func KnownUF(uf string) bool {
	_, ok := codeByUF[uf]
	return ok
}
