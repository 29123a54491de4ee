package notify

import (
	"fmt"
	"strings"
)

// Template keys understood by the sink. Callers pass these to NotifyUser
// and NotifyOperator together with the params each body expects.
const (
	TemplateCodeDelivered       = "code_delivered"
	TemplateReservationExpired  = "reservation_expired"
	TemplateInsufficientBalance = "insufficient_balance"
	TemplateLowStockAlert       = "low_stock_alert"
	TemplateBalance             = "balance"
)

const (
	langEnglish = "en"
	langArabic  = "ar"
)

// templates is the static message catalog, keyed by template key then
// language tag. Loaded once; never mutated at runtime.
var templates = map[string]map[string]string{
	TemplateCodeDelivered: {
		langEnglish: "✅ {service} code for {phone}:\n\n{code}\n\n💸 Charged {price}. Balance: {balance}",
		langArabic:  "✅ كود {service} للرقم {phone}:\n\n{code}\n\n💸 تم خصم {price}. الرصيد: {balance}",
	},
	TemplateReservationExpired: {
		langEnglish: "⏰ Your reservation for {phone} expired before a code arrived. Nothing was charged.",
		langArabic:  "⏰ انتهت صلاحية حجزك للرقم {phone} قبل وصول الكود. لم يتم خصم أي مبلغ.",
	},
	TemplateInsufficientBalance: {
		langEnglish: "❌ A code arrived but your balance {balance} does not cover the price {price}. Top up and rent again.",
		langArabic:  "❌ وصل الكود لكن رصيدك {balance} لا يغطي السعر {price}. اشحن رصيدك وأعد الاستئجار.",
	},
	TemplateLowStockAlert: {
		langEnglish: "⚠️ Low stock: {service} / {country} has {stock} numbers left.",
		langArabic:  "⚠️ مخزون منخفض: {service} / {country} تبقى {stock} من الأرقام.",
	},
	TemplateBalance: {
		langEnglish: "💰 Balance: {balance}",
		langArabic:  "💰 الرصيد: {balance}",
	},
}

// Render resolves a template in the requested language and substitutes
// {param} placeholders. Unknown languages fall back to English, then
// Arabic, matching the catalog's coverage guarantees.
func Render(languageTag, templateKey string, params map[string]string) (string, error) {
	byLang, ok := templates[templateKey]
	if !ok {
		return "", fmt.Errorf("notify: unknown template %q", templateKey)
	}
	text, ok := byLang[languageTag]
	if !ok {
		if text, ok = byLang[langEnglish]; !ok {
			text = byLang[langArabic]
		}
	}
	for k, v := range params {
		text = strings.ReplaceAll(text, "{"+k+"}", v)
	}
	return text, nil
}
