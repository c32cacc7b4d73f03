package azure

import (
	"fmt"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"

	"github.com/Chapsvision-dev/backups/internal/version"
)

type settings struct {
	Account      string `ini:"account" validate:"required_without=Endpoint"`
	Container    string `ini:"container" validate:"required"`
	Endpoint     string `ini:"endpoint" validate:"omitempty,url"`
	Prefix       string `ini:"prefix"`
	SASToken     string `ini:"sas_token"`
	TenantID     string `ini:"tenant_id"`
	ClientID     string `ini:"client_id"`
	ClientSecret string `ini:"client_secret"`
}

// credentials picked by newClient, in priority order.
const (
	authSAS              = "sas"
	authServicePrincipal = "service_principal"
	authDefault          = "default"
)

type clientInfo struct {
	client   *azblob.Client
	endpoint string // always ends with "/"
	sas      string // raw SAS without leading "?"
	auth     string
}

// newClient builds the blob client and captures endpoint/SAS for HEAD validation.
// Priority: 1) SAS  2) Service Principal  3) DefaultAzureCredential.
func newClient(s settings) (clientInfo, error) {
	endpoint := strings.TrimSpace(s.Endpoint)
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.blob.core.windows.net/", s.Account)
	}
	if !strings.HasSuffix(endpoint, "/") {
		endpoint += "/"
	}
	opts := &azblob.ClientOptions{}
	opts.Telemetry = policy.TelemetryOptions{ApplicationID: "backups/" + version.Version}

	// 1) SAS
	if sasRaw := strings.TrimSpace(s.SASToken); sasRaw != "" {
		sas := strings.TrimPrefix(sasRaw, "?")
		cl, err := azblob.NewClientWithNoCredential(endpoint+"?"+sas, opts)
		return clientInfo{client: cl, endpoint: endpoint, sas: sas, auth: authSAS}, err
	}

	// 2) Service Principal
	if s.ClientID != "" && s.ClientSecret != "" && s.TenantID != "" {
		cred, err := azidentity.NewClientSecretCredential(s.TenantID, s.ClientID, s.ClientSecret, nil)
		if err != nil {
			return clientInfo{}, err
		}
		cl, err := azblob.NewClient(endpoint, cred, opts)
		return clientInfo{client: cl, endpoint: endpoint, auth: authServicePrincipal}, err
	}

	// 3) Managed Identity / DefaultAzureCredential
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return clientInfo{}, err
	}
	cl, err := azblob.NewClient(endpoint, cred, opts)
	return clientInfo{client: cl, endpoint: endpoint, auth: authDefault}, err
}
