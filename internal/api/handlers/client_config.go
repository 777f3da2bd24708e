// client_config.go — GET /api/v1/config: параметры для клиента загрузки.
package handlers

import (
	"net/http"

	"github.com/dustin/go-humanize"

	"github.com/bigkaa/tempshare/internal/domain/policy"
)

// ConfigHandler — публичная конфигурация клиента.
// Отражает текущую политику, включая подгруженную из файла.
type ConfigHandler struct {
	policies *policy.Holder
}

// NewConfigHandler создаёт обработчик публичной конфигурации.
func NewConfigHandler(policies *policy.Holder) *ConfigHandler {
	return &ConfigHandler{policies: policies}
}

type clientConfigResponse struct {
	ExpirationOptions   []int    `json:"expirationOptions"`
	DefaultExpiration   int      `json:"defaultExpiration"`
	MaxFileSize         int64    `json:"maxFileSize"`
	MaxFileSizeHuman    string   `json:"maxFileSizeHuman"`
	MaxFilesPerUpload   int      `json:"maxFilesPerUpload"`
	ForbiddenExtensions []string `json:"forbiddenExtensions"`
}

// GetConfig обрабатывает GET /api/v1/config.
func (h *ConfigHandler) GetConfig(w http.ResponseWriter, _ *http.Request) {
	p := h.policies.Load()
	writeJSON(w, http.StatusOK, clientConfigResponse{
		ExpirationOptions:   p.ExpirationOptions,
		DefaultExpiration:   p.DefaultExpiration,
		MaxFileSize:         p.MaxFileSize,
		MaxFileSizeHuman:    humanize.IBytes(uint64(p.MaxFileSize)),
		MaxFilesPerUpload:   p.MaxFiles,
		ForbiddenExtensions: p.ForbiddenExtensions,
	})
}
