package api

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"copytrade-engine/pkg/models"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// Validation patterns
var (
	walletRegex = regexp.MustCompile(`^[A-Za-z0-9]{1,64}$`)
)

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors represents multiple validation errors
type ValidationErrors []ValidationError

func (ve ValidationErrors) Error() string {
	if len(ve) == 0 {
		return ""
	}

	var messages []string
	for _, err := range ve {
		messages = append(messages, fmt.Sprintf("%s: %s", err.Field, err.Message))
	}
	return strings.Join(messages, "; ")
}

// Validator collects field errors for one request
type Validator struct {
	errors ValidationErrors
}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{
		errors: make(ValidationErrors, 0),
	}
}

// AddError adds a validation error
func (v *Validator) AddError(field, message string) {
	v.errors = append(v.errors, ValidationError{
		Field:   field,
		Message: message,
	})
}

// HasErrors returns true if there are validation errors
func (v *Validator) HasErrors() bool {
	return len(v.errors) > 0
}

// GetErrors returns all validation errors
func (v *Validator) GetErrors() ValidationErrors {
	return v.errors
}

// ValidateWallet validates a wallet or token address
func (v *Validator) ValidateWallet(field, wallet string) {
	if wallet == "" {
		v.AddError(field, fmt.Sprintf("%s is required", field))
		return
	}
	if !walletRegex.MatchString(wallet) {
		v.AddError(field, "invalid address format")
	}
}

// ValidateID parses a positive numeric id
func (v *Validator) ValidateID(field, raw string) uint {
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil || id == 0 {
		v.AddError(field, "must be a positive integer")
		return 0
	}
	return uint(id)
}

// ValidatePositive checks that an amount is greater than zero
func (v *Validator) ValidatePositive(field string, d decimal.Decimal) {
	if !d.IsPositive() {
		v.AddError(field, "must be positive")
	}
}

// ValidateSide validates an order or trade side
func (v *Validator) ValidateSide(field string, side models.Side) {
	if !side.Valid() {
		v.AddError(field, "invalid side (buy or sell)")
	}
}

// ValidateLimit parses a pagination limit, falling back to def when empty
func (v *Validator) ValidateLimit(field, raw string, def, maxLimit int) int {
	if raw == "" {
		return def
	}
	limit, err := strconv.Atoi(raw)
	if err != nil {
		v.AddError(field, "invalid limit parameter")
		return def
	}
	if limit < 1 {
		v.AddError(field, "limit must be at least 1")
		return def
	}
	if limit > maxLimit {
		v.AddError(field, fmt.Sprintf("limit cannot exceed %d", maxLimit))
		return def
	}
	return limit
}

// ValidateIDs checks a non-empty list of positive ids
func (v *Validator) ValidateIDs(field string, ids []uint) {
	if len(ids) == 0 {
		v.AddError(field, fmt.Sprintf("%s must not be empty", field))
		return
	}
	for _, id := range ids {
		if id == 0 {
			v.AddError(field, "ids must be positive")
			return
		}
	}
}

// SendValidationErrors sends validation errors as JSON response
func SendValidationErrors(c *gin.Context, errors ValidationErrors) {
	c.JSON(400, gin.H{
		"success": false,
		"error":   "Validation failed",
		"details": errors,
	})
}

// paramID reads a numeric path parameter, writing a 400 when it is malformed
func paramID(c *gin.Context, name string) (uint, bool) {
	v := NewValidator()
	id := v.ValidateID(name, c.Param(name))
	if v.HasErrors() {
		SendValidationErrors(c, v.GetErrors())
		return 0, false
	}
	return id, true
}

// bindJSON decodes the body, writing a 400 on failure
func bindJSON(c *gin.Context, dest interface{}) bool {
	if err := c.ShouldBindJSON(dest); err != nil {
		c.JSON(400, gin.H{"success": false, "error": "Invalid request body", "details": err.Error()})
		return false
	}
	return true
}
