package v1

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
)

// ProviderStatus reports which model providers have credentials configured.
type ProviderStatus struct {
	OpenAI    bool `json:"openai"`
	Anthropic bool `json:"anthropic"`
	Gemini    bool `json:"gemini"`
}

type StatusOutput struct {
	Body ProviderStatus
}

func RegisterStatusRoutes(api huma.API, status ProviderStatus) {
	huma.Register(api, huma.Operation{
		OperationID: "get-status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Report configured model providers",
		Tags:        []string{"Status"},
	}, func(_ context.Context, _ *struct{}) (*StatusOutput, error) {
		return &StatusOutput{Body: status}, nil
	})
}
