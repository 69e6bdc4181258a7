package generator_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pixell07/multi-tenant-ai/internal/generator"
)

func TestEmptyContextMessageDefaultsToChineseForUnknownLanguage(t *testing.T) {
	msg := generator.EmptyContextMessage("fr")
	assert.Equal(t, generator.EmptyContextMessage("zh"), msg)
}

func TestEmptyContextMessagePerLanguage(t *testing.T) {
	en := generator.EmptyContextMessage("en")
	ja := generator.EmptyContextMessage("ja")
	zh := generator.EmptyContextMessage("zh")

	assert.True(t, strings.Contains(en, "knowledge base"))
	assert.True(t, strings.Contains(ja, "ナレッジベース"))
	assert.True(t, strings.Contains(zh, "知识库"))
	assert.NotEqual(t, en, ja)
	assert.NotEqual(t, en, zh)
}

func TestNewWiresModel(t *testing.T) {
	g := generator.New(nil)
	assert.NotNil(t, g)
}
