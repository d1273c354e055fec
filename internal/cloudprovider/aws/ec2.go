package aws

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2Types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"

	"github.com/gpuforge/gpu-broker/internal/cloudprovider/types"
	"github.com/gpuforge/gpu-broker/internal/config"
)

type ec2Params struct {
	ImageID         string `mapstructure:"imageId"`
	SecurityGroupID string `mapstructure:"securityGroupId"`
	SubnetID        string `mapstructure:"subnetId"`
	KeyPairName     string `mapstructure:"keyPairName"`
}

// EC2Provider provisions GPU instances on AWS.
type EC2Provider struct {
	client *ec2.Client
	params ec2Params
}

func NewEC2Provider(cfg config.ProviderConfig) (*EC2Provider, error) {
	// TODO support assumed roles; only the default credential chain for now
	awsCfg := aws.Config{
		Region: cfg.Region,
	}
	var params ec2Params
	if err := mapstructure.Decode(cfg.Params, &params); err != nil {
		return nil, errors.Wrap(err, "decode aws provider params")
	}
	if params.ImageID == "" {
		return nil, errors.New("aws provider requires params.imageId")
	}
	return &EC2Provider{
		client: ec2.NewFromConfig(awsCfg),
		params: params,
	}, nil
}

func (p *EC2Provider) TestConnection() error {
	_, err := p.client.DescribeInstances(context.Background(), &ec2.DescribeInstancesInput{
		MaxResults: aws.Int32(5),
	})
	return err
}

func (p *EC2Provider) CreateInstance(ctx context.Context, spec types.InstanceSpec) (*types.Instance, error) {
	tags := []ec2Types.Tag{
		{Key: aws.String("Name"), Value: aws.String("gpu-broker-" + spec.LeaseID)},
		{Key: aws.String(types.TagManagedBy), Value: aws.String(types.TagManagedByValue)},
		{Key: aws.String(types.TagLeaseID), Value: aws.String(spec.LeaseID)},
		{Key: aws.String(types.TagOrganizationID), Value: aws.String(spec.OrganizationID)},
		{Key: aws.String(types.TagUserID), Value: aws.String(spec.UserID)},
	}

	input := &ec2.RunInstancesInput{
		ImageId:      aws.String(p.params.ImageID),
		InstanceType: ec2Types.InstanceType(spec.InstanceType),
		MinCount:     aws.Int32(1),
		MaxCount:     aws.Int32(1),
		TagSpecifications: []ec2Types.TagSpecification{
			{
				ResourceType: ec2Types.ResourceTypeInstance,
				Tags:         tags,
			},
		},
	}
	if p.params.SecurityGroupID != "" {
		input.SecurityGroupIds = []string{p.params.SecurityGroupID}
	}
	if p.params.SubnetID != "" {
		input.SubnetId = aws.String(p.params.SubnetID)
	}
	if p.params.KeyPairName != "" {
		input.KeyName = aws.String(p.params.KeyPairName)
	}

	out, err := p.client.RunInstances(ctx, input)
	if err != nil {
		return nil, errors.Wrap(err, "run instances")
	}
	if len(out.Instances) == 0 {
		return nil, errors.New("run instances returned no instance")
	}
	return fromEC2Instance(out.Instances[0]), nil
}

func (p *EC2Provider) WaitInstanceRunning(ctx context.Context, instanceID string, timeout time.Duration) (*types.Instance, error) {
	waiter := ec2.NewInstanceRunningWaiter(p.client)
	input := &ec2.DescribeInstancesInput{InstanceIds: []string{instanceID}}
	if err := waiter.Wait(ctx, input, timeout); err != nil {
		return nil, errors.Wrapf(err, "waiting for instance %s to run", instanceID)
	}
	return p.describeOne(ctx, instanceID)
}

func (p *EC2Provider) TerminateInstance(ctx context.Context, instanceID string) error {
	_, err := p.client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: []string{instanceID},
	})
	return errors.Wrapf(err, "terminate instance %s", instanceID)
}

func (p *EC2Provider) FindInstanceByLeaseID(ctx context.Context, leaseID string) (*types.Instance, error) {
	out, err := p.client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		Filters: []ec2Types.Filter{
			{Name: aws.String("tag:" + types.TagLeaseID), Values: []string{leaseID}},
			{Name: aws.String("instance-state-name"), Values: []string{"pending", "running"}},
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "describe instances by lease tag")
	}
	for _, res := range out.Reservations {
		if len(res.Instances) > 0 {
			return fromEC2Instance(res.Instances[0]), nil
		}
	}
	return nil, nil
}

func (p *EC2Provider) describeOne(ctx context.Context, instanceID string) (*types.Instance, error) {
	out, err := p.client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{instanceID},
	})
	if err != nil {
		return nil, errors.Wrapf(err, "describe instance %s", instanceID)
	}
	if len(out.Reservations) == 0 || len(out.Reservations[0].Instances) == 0 {
		return nil, errors.Errorf("instance %s not found", instanceID)
	}
	return fromEC2Instance(out.Reservations[0].Instances[0]), nil
}

func fromEC2Instance(in ec2Types.Instance) *types.Instance {
	inst := &types.Instance{
		ID: aws.ToString(in.InstanceId),
	}
	if in.State != nil {
		inst.State = string(in.State.Name)
	}
	if in.LaunchTime != nil {
		inst.LaunchedAt = *in.LaunchTime
	}
	inst.PublicIP = aws.ToString(in.PublicIpAddress)
	inst.PrivateIP = aws.ToString(in.PrivateIpAddress)
	return inst
}
