// Package validation содержит функции валидации входных данных.
package validation

import (
	"strings"

	"github.com/google/uuid"
)

// Максимальная длина промпта в символах.
const maxPromptLen = 2000

// IsValidTaskNo проверяет, что номер задачи является корректным UUID.
// Номер генерирует клиент и использует как ключ идемпотентности отправки.
func IsValidTaskNo(taskNo string) bool {
	if taskNo == "" {
		return false
	}
	_, err := uuid.Parse(taskNo)
	return err == nil
}

// IsValidPrompt проверяет, что промпт непустой и умещается в лимит.
func IsValidPrompt(prompt string) bool {
	trimmed := strings.TrimSpace(prompt)
	return trimmed != "" && len([]rune(prompt)) <= maxPromptLen
}
