// Package pix реализует кодек платёжной нагрузки PIX (BR Code, EMV-MPM):
// сборку строки со length-prefixed полями, контрольную сумму CRC16/CCITT-FALSE
// и разбор готовой нагрузки обратно в поля.
package pix

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	qrcode "github.com/skip2/go-qrcode"
)

// Идентификаторы полей EMV merchant-presented QR.
const (
	idPayloadFormat       = "00"
	idMerchantAccountInfo = "26"
	idMerchantCategory    = "52"
	idCurrency            = "53"
	idAmount              = "54"
	idCountryCode         = "58"
	idMerchantName        = "59"
	idMerchantCity        = "60"
	idAdditionalData      = "62"
	idCRC                 = "63"

	subIDGUI    = "00"
	subIDPixKey = "01"
	subIDTxID   = "05"

	pixGUI       = "br.gov.bcb.pix"
	currencyBRL  = "986"
	countryBR    = "BR"
	categoryNone = "0000"

	maxMerchantName = 25
	maxMerchantCity = 15
)

// Payload описывает содержательные поля BR Code.
type Payload struct {
	PixKey       string
	MerchantName string
	MerchantCity string
	AmountCents  int64
	TxID         string
}

var (
	// ErrInvalidPayload возвращается при разборе некорректной нагрузки.
	ErrInvalidPayload = errors.New("invalid pix payload")
	// ErrChecksumMismatch возвращается, если CRC нагрузки не сходится.
	ErrChecksumMismatch = errors.New("pix payload checksum mismatch")
)

// BuildPayload собирает строку BR Code с контрольной суммой.
// Имя и город усекаются до лимитов EMV (25 и 15 символов).
func BuildPayload(p Payload) (string, error) {
	if p.PixKey == "" {
		return "", fmt.Errorf("%w: pix key required", ErrInvalidPayload)
	}
	if p.AmountCents <= 0 {
		return "", fmt.Errorf("%w: amount must be positive", ErrInvalidPayload)
	}

	name := truncate(p.MerchantName, maxMerchantName)
	city := truncate(p.MerchantCity, maxMerchantCity)
	if name == "" || city == "" {
		return "", fmt.Errorf("%w: merchant name and city required", ErrInvalidPayload)
	}
	txID := p.TxID
	if txID == "" {
		txID = "***"
	}

	var b strings.Builder
	b.WriteString(tlv(idPayloadFormat, "01"))
	b.WriteString(tlv(idMerchantAccountInfo, tlv(subIDGUI, pixGUI)+tlv(subIDPixKey, p.PixKey)))
	b.WriteString(tlv(idMerchantCategory, categoryNone))
	b.WriteString(tlv(idCurrency, currencyBRL))
	b.WriteString(tlv(idAmount, formatAmount(p.AmountCents)))
	b.WriteString(tlv(idCountryCode, countryBR))
	b.WriteString(tlv(idMerchantName, name))
	b.WriteString(tlv(idMerchantCity, city))
	b.WriteString(tlv(idAdditionalData, tlv(subIDTxID, txID)))

	// CRC считается по нагрузке вместе с "6304".
	payload := b.String() + idCRC + "04"
	return payload + fmt.Sprintf("%04X", Checksum([]byte(payload))), nil
}

// Decode разбирает строку BR Code, проверяя CRC, и возвращает поля нагрузки.
func Decode(payload string) (Payload, error) {
	if len(payload) < 8 {
		return Payload{}, ErrInvalidPayload
	}

	body, crc := payload[:len(payload)-4], payload[len(payload)-4:]
	if !strings.HasSuffix(body, idCRC+"04") {
		return Payload{}, ErrInvalidPayload
	}
	if fmt.Sprintf("%04X", Checksum([]byte(body))) != strings.ToUpper(crc) {
		return Payload{}, ErrChecksumMismatch
	}

	fields, err := parseTLV(body[:len(body)-4])
	if err != nil {
		return Payload{}, err
	}

	var out Payload
	if account, ok := fields[idMerchantAccountInfo]; ok {
		sub, err := parseTLV(account)
		if err != nil {
			return Payload{}, err
		}
		if sub[subIDGUI] != pixGUI {
			return Payload{}, fmt.Errorf("%w: unexpected account GUI", ErrInvalidPayload)
		}
		out.PixKey = sub[subIDPixKey]
	}
	if amount, ok := fields[idAmount]; ok {
		cents, err := parseAmount(amount)
		if err != nil {
			return Payload{}, err
		}
		out.AmountCents = cents
	}
	if extra, ok := fields[idAdditionalData]; ok {
		sub, err := parseTLV(extra)
		if err != nil {
			return Payload{}, err
		}
		out.TxID = sub[subIDTxID]
	}
	out.MerchantName = fields[idMerchantName]
	out.MerchantCity = fields[idMerchantCity]

	return out, nil
}

// QRImage рендерит нагрузку в PNG, пригодный для сканирования.
func QRImage(payload string, size int) ([]byte, error) {
	if size <= 0 {
		size = 256
	}
	return qrcode.Encode(payload, qrcode.Medium, size)
}

// Checksum вычисляет CRC16/CCITT-FALSE: полином 0x1021, старт 0xFFFF.
func Checksum(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

func tlv(id, value string) string {
	return fmt.Sprintf("%s%02d%s", id, len(value), value)
}

func parseTLV(s string) (map[string]string, error) {
	fields := make(map[string]string)
	for len(s) > 0 {
		if len(s) < 4 {
			return nil, ErrInvalidPayload
		}
		id := s[:2]
		length, err := strconv.Atoi(s[2:4])
		if err != nil || len(s) < 4+length {
			return nil, ErrInvalidPayload
		}
		fields[id] = s[4 : 4+length]
		s = s[4+length:]
	}
	return fields, nil
}

func formatAmount(cents int64) string {
	return fmt.Sprintf("%d.%02d", cents/100, cents%100)
}

func parseAmount(s string) (int64, error) {
	intPart, fracPart, ok := strings.Cut(s, ".")
	if !ok || len(fracPart) != 2 {
		return 0, fmt.Errorf("%w: malformed amount %q", ErrInvalidPayload, s)
	}
	whole, err := strconv.ParseInt(intPart, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: malformed amount %q", ErrInvalidPayload, s)
	}
	frac, err := strconv.ParseInt(fracPart, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: malformed amount %q", ErrInvalidPayload, s)
	}
	return whole*100 + frac, nil
}

// truncate обрезает строку до limit байт, не разрезая многобайтовые руны.
func truncate(s string, limit int) string {
	s = strings.TrimSpace(s)
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
