package handlers

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
	"golang.org/x/text/language"

	"tokopay/internal/apperrors"
)

var supportedLanguages = []language.Tag{language.English, language.Persian}

var languageMatcher = language.NewMatcher(supportedLanguages)

// messages holds the client-facing text per error code. Provider details never reach it.
var messages = map[language.Tag]map[string]string{
	language.English: {
		"invalid_input":           "The request is invalid.",
		"empty_cart":              "Your cart is empty.",
		"cart_not_found":          "Cart not found.",
		"variant_not_found":       "A product in your cart is no longer available.",
		"order_not_found":         "Order not found.",
		"discount_invalid":        "The discount code is not valid.",
		"discount_expired":        "The discount code has expired.",
		"discount_scope_mismatch": "The discount code does not apply to any item in your cart.",
		"unsupported_gateway":     "This payment method is not available.",
		"insufficient_stock":      "Some items are out of stock.",
		"insufficient_balance":    "Your wallet balance is too low.",
		"order_not_payable":       "This order cannot be paid right now.",
		"amount_mismatch":         "The payment could not be confirmed. Our team will review it.",
		"invalid_transition":      "This action is not allowed in the current state.",
		"unsupported_operation":   "This action is not supported for this payment.",
		"concurrent_update":       "The record changed meanwhile. Please try again.",
		"transaction_not_found":   "Payment not found.",
		"duplicate_settlement":    "The payment is already settled.",
		"provider_unavailable":    "Payment pending. Please check your order status shortly.",
		"payment_declined":        "The payment was declined.",
		"internal_error":          "Something went wrong. Please try again later.",
	},
	language.Persian: {
		"invalid_input":           "درخواست نامعتبر است.",
		"empty_cart":              "سبد خرید شما خالی است.",
		"cart_not_found":          "سبد خرید یافت نشد.",
		"variant_not_found":       "یکی از کالاهای سبد خرید دیگر موجود نیست.",
		"order_not_found":         "سفارش یافت نشد.",
		"discount_invalid":        "کد تخفیف معتبر نیست.",
		"discount_expired":        "کد تخفیف منقضی شده است.",
		"discount_scope_mismatch": "کد تخفیف شامل هیچ‌یک از کالاهای سبد نمی‌شود.",
		"unsupported_gateway":     "این روش پرداخت در دسترس نیست.",
		"insufficient_stock":      "موجودی برخی کالاها کافی نیست.",
		"insufficient_balance":    "موجودی کیف پول کافی نیست.",
		"order_not_payable":       "در حال حاضر امکان پرداخت این سفارش وجود ندارد.",
		"amount_mismatch":         "پرداخت تأیید نشد و توسط پشتیبانی بررسی می‌شود.",
		"invalid_transition":      "این عملیات در وضعیت فعلی مجاز نیست.",
		"unsupported_operation":   "این عملیات برای این پرداخت پشتیبانی نمی‌شود.",
		"concurrent_update":       "اطلاعات هم‌زمان تغییر کرد. دوباره تلاش کنید.",
		"transaction_not_found":   "پرداخت یافت نشد.",
		"duplicate_settlement":    "این پرداخت قبلاً تسویه شده است.",
		"provider_unavailable":    "پرداخت در انتظار تأیید است. وضعیت سفارش را بعداً بررسی کنید.",
		"payment_declined":        "پرداخت ناموفق بود.",
		"internal_error":          "خطایی رخ داد. لطفاً بعداً تلاش کنید.",
	},
}

var kindStatus = map[apperrors.Kind]int{
	apperrors.KindValidation: fiber.StatusBadRequest,
	apperrors.KindNotFound:   fiber.StatusNotFound,
	apperrors.KindConflict:   fiber.StatusConflict,
	apperrors.KindIntegrity:  fiber.StatusUnprocessableEntity,
	apperrors.KindDeclined:   fiber.StatusPaymentRequired,
	apperrors.KindTransient:  fiber.StatusAccepted,
	apperrors.KindInternal:   fiber.StatusInternalServerError,
}

// StatusFor maps an error to its HTTP status.
func StatusFor(err error) int {
	if status, ok := kindStatus[apperrors.KindOf(err)]; ok {
		return status
	}
	return fiber.StatusInternalServerError
}

// preferredLanguage picks the best supported language for the Accept-Language header.
func preferredLanguage(c *fiber.Ctx) language.Tag {
	tags, _, err := language.ParseAcceptLanguage(c.Get(fiber.HeaderAcceptLanguage))
	if err != nil || len(tags) == 0 {
		return language.English
	}
	_, index, _ := languageMatcher.Match(tags...)
	return supportedLanguages[index]
}

// Localize returns the client message for code in the caller's language.
func Localize(c *fiber.Ctx, code string) string {
	lang := preferredLanguage(c)
	if msg, ok := messages[lang][code]; ok {
		return msg
	}
	if msg, ok := messages[language.English][code]; ok {
		return msg
	}
	return messages[lang]["internal_error"]
}

// respondError writes err as a localized JSON error. The full error is logged only.
func respondError(c *fiber.Ctx, log *zap.Logger, err error) error {
	status := StatusFor(err)
	code := apperrors.CodeOf(err)
	fields := []zap.Field{zap.String("path", c.Path()), zap.String("code", code), zap.Error(err)}
	switch {
	case status >= fiber.StatusInternalServerError:
		log.Error("request failed", fields...)
	case status == fiber.StatusAccepted:
		log.Warn("request left pending", fields...)
	default:
		log.Info("request rejected", fields...)
	}

	body := fiber.Map{"code": code, "message": Localize(c, code)}
	if status == fiber.StatusAccepted {
		body["status"] = "pending"
	}
	if details := validationDetails(err); details != nil {
		body["errors"] = details
	}
	return c.Status(status).JSON(body)
}

// parseBody decodes and validates the request body into dst.
func parseBody(c *fiber.Ctx, validate *validator.Validate, dst interface{}) error {
	if err := c.BodyParser(dst); err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrInvalidInput, err)
	}
	if err := validate.Struct(dst); err != nil {
		return fmt.Errorf("%w: %w", apperrors.ErrInvalidInput, err)
	}
	return nil
}

// validationDetails lists the failed fields of a validation error, if err carries one.
func validationDetails(err error) map[string]string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return nil
	}
	details := make(map[string]string, len(verrs))
	for _, e := range verrs {
		details[e.Field()] = fmt.Sprintf("Field '%s' failed on the '%s' tag", e.Field(), e.Tag())
	}
	return details
}
