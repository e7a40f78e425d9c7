package accesskey

// ValidCNPJ checks length and both check digits of a 14-digit CNPJ
func ValidCNPJ(cnpj string) bool {
	if len(cnpj) != 14 || !isDigits(cnpj) || repeated(cnpj) {
		return false
	}
	// CNPJ digits use the same 2..9 cycling weights as the access key
	return mod11(cnpj[:12]) == int(cnpj[12]-'0') &&
		mod11(cnpj[:13]) == int(cnpj[13]-'0')
}

// ValidCPF checks length and both check digits of an 11-digit CPF
func ValidCPF(cpf string) bool {
	if len(cpf) != 11 || !isDigits(cpf) || repeated(cpf) {
		return false
	}
	return cpfDigit(cpf[:9]) == int(cpf[9]-'0') &&
		cpfDigit(cpf[:10]) == int(cpf[10]-'0')
}

func cpfDigit(digits string) int {
	sum := 0
	weight := len(digits) + 1
	for i := 0; i < len(digits); i++ {
		sum += int(digits[i]-'0') * weight
		weight--
	}
	r := sum % 11
	if r < 2 {
		return 0
	}
	return 11 - r
}

func repeated(s string) bool {
	for i := 1; i < len(s); i++ {
		if s[i] != s[0] {
			return false
		}
	}
	return true
}
