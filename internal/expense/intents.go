package expense

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

var (
	cancelTokens    = tokenSet("cancelar", "cancela", "parar", "sair", "abort", "abortar")
	confirmTokens   = tokenSet("sim", "s", "ok", "confirmar", "confirma")
	denyTokens      = tokenSet("não", "nao", "n", "cancelar")
	newWalletTokens = tokenSet("0", "nova", "criar")

	removeCommand = regexp.MustCompile(`remov(?:er|e)\s+(\d+)`)
	editCommand   = regexp.MustCompile(`(?:editar\s+)?(\d+)\s*(?:para|=)\s*([\d.,]+)`)
)

func tokenSet(tokens ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		set[t] = struct{}{}
	}
	return set
}

func matches(set map[string]struct{}, input string) bool {
	_, ok := set[input]
	return ok
}

// normalize trims and lowercases user input. Accents are kept, so "não"
// and "nao" stay distinct tokens.
func normalize(input string) string {
	// cases.Caser is stateful and not safe for concurrent use
	lower := cases.Lower(language.BrazilianPortuguese)
	return lower.String(norm.NFC.String(strings.TrimSpace(input)))
}

func isCancel(input string) bool {
	return matches(cancelTokens, input)
}

// parseAmount reads a money value written with a comma or a dot as the
// decimal separator. With a comma present dots are thousands separators
// ("1.234,56"); without one only the last dot separates decimals.
func parseAmount(raw string) (decimal.Decimal, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return decimal.Zero, false
	}

	if i := strings.LastIndex(s, ","); i >= 0 {
		intPart := strings.NewReplacer(".", "", ",", "").Replace(s[:i])
		s = intPart + "." + s[i+1:]
	} else if i := strings.LastIndex(s, "."); i >= 0 {
		s = strings.ReplaceAll(s[:i], ".", "") + s[i:]
	}
	s = strings.TrimSuffix(s, ".")
	if strings.HasPrefix(s, ".") {
		s = "0" + s
	}

	value, err := decimal.NewFromString(s)
	if err != nil || !value.IsPositive() {
		return decimal.Zero, false
	}
	return value.Round(2), true
}
