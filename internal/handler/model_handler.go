package handler

import (
	"github.com/gin-gonic/gin"

	"polychat-go/pkg/llm"
)

// ModelHandler 列出网关中注册的模型。
type ModelHandler struct {
	gateway llm.Gateway
}

func NewModelHandler(gateway llm.Gateway) *ModelHandler {
	return &ModelHandler{gateway: gateway}
}

type modelView struct {
	llm.ModelDescriptor
	ProviderType string `json:"providerType"`
	HasKey       bool   `json:"hasKey"`
	KeyOptional  bool   `json:"keyOptional"`
}

// List 处理 GET /models。
func (h *ModelHandler) List(c *gin.Context) {
	models := h.gateway.ListModels()
	out := make([]modelView, 0, len(models))
	for _, m := range models {
		v := modelView{ModelDescriptor: m}
		if p, found := h.gateway.GetProviderForModel(m.ID); found {
			v.ProviderType = p.Type
			v.HasKey = p.HasKey
			v.KeyOptional = p.KeyOptional
		}
		out = append(out, v)
	}
	ok(c, out)
}
