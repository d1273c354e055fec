package alibaba

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/aliyun/alibaba-cloud-sdk-go/sdk/requests"
	"github.com/aliyun/alibaba-cloud-sdk-go/services/ecs"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"

	"github.com/gpuforge/gpu-broker/internal/cloudprovider/types"
	"github.com/gpuforge/gpu-broker/internal/config"
)

type ecsParams struct {
	ImageID         string `mapstructure:"imageId"`
	SecurityGroupID string `mapstructure:"securityGroupId"`
	VSwitchID       string `mapstructure:"vswitchId"`
	KeyPairName     string `mapstructure:"keyPairName"`
}

// ECSProvider provisions GPU instances on Alibaba Cloud ECS.
type ECSProvider struct {
	client *ecs.Client
	region string
	params ecsParams
}

func NewECSProvider(cfg config.ProviderConfig) (*ECSProvider, error) {
	ak, err := readKeyFile(cfg.AccessKeyPath)
	if err != nil {
		return nil, err
	}
	sk, err := readKeyFile(cfg.SecretKeyPath)
	if err != nil {
		return nil, err
	}
	if ak == "" || sk == "" {
		return nil, errors.New("empty access key or secret key, can not create alibaba provider")
	}

	client, err := ecs.NewClientWithAccessKey(cfg.Region, ak, sk)
	if err != nil {
		return nil, errors.Wrap(err, "create ECS client")
	}

	var params ecsParams
	if err := mapstructure.Decode(cfg.Params, &params); err != nil {
		return nil, errors.Wrap(err, "decode alibaba provider params")
	}
	if params.ImageID == "" {
		return nil, errors.New("alibaba provider requires params.imageId")
	}

	return &ECSProvider{client: client, region: cfg.Region, params: params}, nil
}

func readKeyFile(path string) (string, error) {
	if path == "" {
		return "", errors.New("no credential file path provided")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func (p *ECSProvider) TestConnection() error {
	request := ecs.CreateDescribeRegionsRequest()
	if _, err := p.client.DescribeRegions(request); err != nil {
		return errors.Wrap(err, "can not connect to Aliyun ECS API")
	}
	return nil
}

func (p *ECSProvider) CreateInstance(ctx context.Context, spec types.InstanceSpec) (*types.Instance, error) {
	request := ecs.CreateRunInstancesRequest()
	request.RegionId = p.region
	request.ImageId = p.params.ImageID
	request.InstanceType = spec.InstanceType
	request.InstanceName = "gpu-broker-" + spec.LeaseID
	request.Amount = "1"
	// ClientToken makes retried creates idempotent on the vendor side too.
	request.ClientToken = spec.LeaseID
	request.SecurityGroupId = p.params.SecurityGroupID
	request.VSwitchId = p.params.VSwitchID
	if p.params.KeyPairName != "" {
		request.KeyPairName = p.params.KeyPairName
	}
	request.InternetMaxBandwidthOut = requests.NewInteger(100)
	request.InternetChargeType = "PayByTraffic"

	tag := []ecs.RunInstancesTag{
		{Key: types.TagManagedBy, Value: types.TagManagedByValue},
		{Key: types.TagLeaseID, Value: spec.LeaseID},
		{Key: types.TagOrganizationID, Value: spec.OrganizationID},
		{Key: types.TagUserID, Value: spec.UserID},
	}
	request.Tag = &tag

	response, err := p.client.RunInstances(request)
	if err != nil {
		return nil, errors.Wrap(err, "run instances")
	}
	if !response.IsSuccess() || len(response.InstanceIdSets.InstanceIdSet) == 0 {
		return nil, errors.Errorf("instance creation failed: %s", response.String())
	}
	return &types.Instance{
		ID:         response.InstanceIdSets.InstanceIdSet[0],
		LaunchedAt: time.Now(),
	}, nil
}

// WaitInstanceRunning polls DescribeInstances until the instance reports
// Running. ECS has no waiter equivalent in the classic SDK.
func (p *ECSProvider) WaitInstanceRunning(ctx context.Context, instanceID string, timeout time.Duration) (*types.Instance, error) {
	deadline := time.Now().Add(timeout)
	for {
		inst, err := p.describeOne(instanceID)
		if err == nil && inst.State == "Running" {
			return inst, nil
		}
		if time.Now().After(deadline) {
			return nil, errors.Errorf("timed out waiting for instance %s to run", instanceID)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
		}
	}
}

func (p *ECSProvider) TerminateInstance(ctx context.Context, instanceID string) error {
	request := ecs.CreateDeleteInstanceRequest()
	request.InstanceId = instanceID
	request.RegionId = p.region
	request.Force = requests.NewBoolean(true)
	response, err := p.client.DeleteInstance(request)
	if err != nil {
		return errors.Wrapf(err, "terminate instance %s", instanceID)
	}
	if !response.IsSuccess() {
		return errors.Errorf("instance termination failed: %s", response.String())
	}
	return nil
}

func (p *ECSProvider) FindInstanceByLeaseID(ctx context.Context, leaseID string) (*types.Instance, error) {
	request := ecs.CreateDescribeInstancesRequest()
	request.RegionId = p.region
	tag := []ecs.DescribeInstancesTag{
		{Key: types.TagLeaseID, Value: leaseID},
	}
	request.Tag = &tag
	response, err := p.client.DescribeInstances(request)
	if err != nil {
		return nil, errors.Wrap(err, "describe instances by lease tag")
	}
	for _, inst := range response.Instances.Instance {
		if inst.Status == "Stopped" || inst.Status == "Released" {
			continue
		}
		return fromECSInstance(inst), nil
	}
	return nil, nil
}

func (p *ECSProvider) describeOne(instanceID string) (*types.Instance, error) {
	request := ecs.CreateDescribeInstancesRequest()
	request.RegionId = p.region
	request.InstanceIds = fmt.Sprintf("[%q]", instanceID)
	response, err := p.client.DescribeInstances(request)
	if err != nil {
		return nil, errors.Wrapf(err, "describe instance %s", instanceID)
	}
	if len(response.Instances.Instance) == 0 {
		return nil, errors.Errorf("instance %s not found", instanceID)
	}
	return fromECSInstance(response.Instances.Instance[0]), nil
}

func fromECSInstance(in ecs.Instance) *types.Instance {
	created, _ := time.Parse(time.RFC3339, in.CreationTime)
	inst := &types.Instance{
		ID:         in.InstanceId,
		State:      in.Status,
		LaunchedAt: created,
	}
	if len(in.PublicIpAddress.IpAddress) > 0 {
		inst.PublicIP = in.PublicIpAddress.IpAddress[0]
	}
	if len(in.VpcAttributes.PrivateIpAddress.IpAddress) > 0 {
		inst.PrivateIP = in.VpcAttributes.PrivateIpAddress.IpAddress[0]
	}
	return inst
}
