package gateway

import (
	"strconv"
	"unicode"
)

// binRange — диапазон BIN-префиксов фиксированной длины для одного бренда.
type binRange struct {
	length int
	low    int
	high   int
	brand  string
}

// Порядок важен: более специфичные префиксы идут раньше.
// Диапазоны покрывают основные бренды бразильского рынка.
var binRanges = []binRange{
	// Elo — фиксированные шестизначные префиксы и диапазоны.
	{6, 401178, 401179, "elo"},
	{6, 431274, 431274, "elo"},
	{6, 438935, 438935, "elo"},
	{6, 451416, 451416, "elo"},
	{6, 457631, 457632, "elo"},
	{6, 504175, 504175, "elo"},
	{6, 506699, 506778, "elo"},
	{6, 509000, 509999, "elo"},
	{6, 627780, 627780, "elo"},
	{6, 636297, 636297, "elo"},
	{6, 636368, 636368, "elo"},
	{6, 650031, 650051, "elo"},
	{6, 650405, 650439, "elo"},
	{6, 650485, 650538, "elo"},
	{6, 650541, 650598, "elo"},
	{6, 650700, 650718, "elo"},
	{6, 650720, 650727, "elo"},
	{6, 650901, 650978, "elo"},
	{6, 651652, 651679, "elo"},
	{6, 655000, 655019, "elo"},
	{6, 655021, 655058, "elo"},

	{6, 606282, 606282, "hipercard"},
	{6, 637095, 637095, "hipercard"},
	{6, 637568, 637568, "hipercard"},

	{2, 34, 34, "amex"},
	{2, 37, 37, "amex"},

	{4, 2221, 2720, "mastercard"},
	{2, 51, 55, "mastercard"},

	{2, 36, 36, "diners"},
	{3, 300, 305, "diners"},

	{1, 4, 4, "visa"},
}

// DetectBrand классифицирует бренд карты по BIN-префиксу. Используется как
// предварительная проверка, когда BIN-lookup провайдера недоступен.
// Возвращает "unknown", если префикс не подпадает ни под один диапазон.
func DetectBrand(number string) string {
	digits := onlyDigits(number)
	if len(digits) < 6 {
		return "unknown"
	}

	for _, r := range binRanges {
		if len(digits) < r.length {
			continue
		}
		prefix, err := strconv.Atoi(digits[:r.length])
		if err != nil {
			return "unknown"
		}
		if prefix >= r.low && prefix <= r.high {
			return r.brand
		}
	}
	return "unknown"
}

// ValidPAN проверяет номер карты по алгоритму Луна перед отправкой
// провайдеру: заведомо битый номер не должен тратить платёжную попытку.
func ValidPAN(number string) bool {
	digits := onlyDigits(number)
	if len(digits) < 12 || len(digits) > 19 {
		return false
	}

	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		digit := int(digits[i] - '0')
		if double {
			digit *= 2
			if digit > 9 {
				digit -= 9
			}
		}
		sum += digit
		double = !double
	}
	return sum%10 == 0
}

func onlyDigits(s string) string {
	out := make([]rune, 0, len(s))
	for _, ch := range s {
		if unicode.IsDigit(ch) {
			out = append(out, ch)
		}
	}
	return string(out)
}
