package cloudprovider

import (
	"fmt"

	"github.com/gpuforge/gpu-broker/internal/cloudprovider/alibaba"
	"github.com/gpuforge/gpu-broker/internal/cloudprovider/aws"
	"github.com/gpuforge/gpu-broker/internal/cloudprovider/mock"
	"github.com/gpuforge/gpu-broker/internal/cloudprovider/types"
	"github.com/gpuforge/gpu-broker/internal/config"
)

func GetProvider(cfg config.ProviderConfig) (types.Provider, error) {
	switch cfg.Vendor {
	case "aws":
		return aws.NewEC2Provider(cfg)
	case "alibaba":
		return alibaba.NewECSProvider(cfg)
	case "mock":
		return mock.NewProvider(), nil
	default:
		return nil, fmt.Errorf("unsupported cloud provider: %s", cfg.Vendor)
	}
}
