// Package provision creates and removes the AWS resources behind the order
// handler action group: an IAM role, the orders bucket, the Lambda function and
// the permission that lets Bedrock agents invoke it.
package provision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	lambdatypes "github.com/aws/aws-sdk-go-v2/service/lambda/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/smithy-go"

	"github.com/jettro/bedrock-agent/internal/domain"
	"github.com/jettro/bedrock-agent/internal/infra/config"
	"github.com/jettro/bedrock-agent/internal/infra/tracer"
)

const (
	// BasicExecutionPolicyARN is the managed policy attached to the function role.
	BasicExecutionPolicyARN = "arn:aws:iam::aws:policy/service-role/AWSLambdaBasicExecutionRole"
	// PermissionStatementID identifies the Bedrock invoke permission.
	PermissionStatementID = "allow_bedrock"

	bedrockPrincipal = "bedrock.amazonaws.com"
	lambdaPrincipal  = "lambda.amazonaws.com"
)

type iamAPI interface {
	GetRole(ctx context.Context, params *iam.GetRoleInput, optFns ...func(*iam.Options)) (*iam.GetRoleOutput, error)
	CreateRole(ctx context.Context, params *iam.CreateRoleInput, optFns ...func(*iam.Options)) (*iam.CreateRoleOutput, error)
	AttachRolePolicy(ctx context.Context, params *iam.AttachRolePolicyInput, optFns ...func(*iam.Options)) (*iam.AttachRolePolicyOutput, error)
	PutRolePolicy(ctx context.Context, params *iam.PutRolePolicyInput, optFns ...func(*iam.Options)) (*iam.PutRolePolicyOutput, error)
	ListAttachedRolePolicies(ctx context.Context, params *iam.ListAttachedRolePoliciesInput, optFns ...func(*iam.Options)) (*iam.ListAttachedRolePoliciesOutput, error)
	DetachRolePolicy(ctx context.Context, params *iam.DetachRolePolicyInput, optFns ...func(*iam.Options)) (*iam.DetachRolePolicyOutput, error)
	ListRolePolicies(ctx context.Context, params *iam.ListRolePoliciesInput, optFns ...func(*iam.Options)) (*iam.ListRolePoliciesOutput, error)
	DeleteRolePolicy(ctx context.Context, params *iam.DeleteRolePolicyInput, optFns ...func(*iam.Options)) (*iam.DeleteRolePolicyOutput, error)
	DeleteRole(ctx context.Context, params *iam.DeleteRoleInput, optFns ...func(*iam.Options)) (*iam.DeleteRoleOutput, error)
}

type lambdaAPI interface {
	GetFunction(ctx context.Context, params *lambda.GetFunctionInput, optFns ...func(*lambda.Options)) (*lambda.GetFunctionOutput, error)
	CreateFunction(ctx context.Context, params *lambda.CreateFunctionInput, optFns ...func(*lambda.Options)) (*lambda.CreateFunctionOutput, error)
	GetPolicy(ctx context.Context, params *lambda.GetPolicyInput, optFns ...func(*lambda.Options)) (*lambda.GetPolicyOutput, error)
	AddPermission(ctx context.Context, params *lambda.AddPermissionInput, optFns ...func(*lambda.Options)) (*lambda.AddPermissionOutput, error)
	DeleteFunction(ctx context.Context, params *lambda.DeleteFunctionInput, optFns ...func(*lambda.Options)) (*lambda.DeleteFunctionOutput, error)
}

type s3API interface {
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	DeleteBucket(ctx context.Context, params *s3.DeleteBucketInput, optFns ...func(*s3.Options)) (*s3.DeleteBucketOutput, error)
}

type stsAPI interface {
	GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

// Spec names the resources to create or remove.
type Spec struct {
	Name       string // base name of the role and function
	Region     string
	Bucket     string // orders bucket; no bucket is managed when empty
	BinaryPath string // compiled bootstrap executable
	Timeout    int32  // function timeout in seconds
}

// SpecFromConfig builds the order handler Spec from the application config.
func SpecFromConfig(cfg *config.Config) Spec {
	return Spec{
		Name:       cfg.Provision.FunctionName,
		Region:     cfg.AWS.Region,
		Bucket:     cfg.Orders.Bucket,
		BinaryPath: cfg.Provision.BinaryPath,
		Timeout:    cfg.Provision.FunctionTimeout,
	}
}

// RoleName returns the IAM role name for the account.
func (s Spec) RoleName(account string) string {
	return fmt.Sprintf("%s-lambda-role-%s-%s", s.Name, s.Region, account)
}

// FunctionName returns the Lambda function name for the account.
func (s Spec) FunctionName(account string) string {
	return fmt.Sprintf("%s-%s-%s", s.Name, s.Region, account)
}

// Resources describes the provisioned resources.
type Resources struct {
	AccountID    string
	RoleName     string
	RoleARN      string
	FunctionName string
	FunctionARN  string
	Bucket       string
	Created      []string // resources created by this call
}

// Provisioner manages the order handler resources.
type Provisioner struct {
	iam    iamAPI
	lambda lambdaAPI
	s3     s3API
	sts    stsAPI

	propagationDelay time.Duration
	sleep            func(ctx context.Context, d time.Duration) error
	readFile         func(name string) ([]byte, error)
	logger           *slog.Logger
}

// NewProvisioner creates a Provisioner on clients built from awsCfg.
func NewProvisioner(awsCfg aws.Config, cfg config.ProvisionConfig, logger *slog.Logger) *Provisioner {
	return newProvisionerWithClients(
		iam.NewFromConfig(awsCfg),
		lambda.NewFromConfig(awsCfg),
		s3.NewFromConfig(awsCfg),
		sts.NewFromConfig(awsCfg),
		cfg.PropagationDelay,
		logger,
	)
}

// newProvisionerWithClients creates a Provisioner with injected clients (for testing).
func newProvisionerWithClients(iamClient iamAPI, lambdaClient lambdaAPI, s3Client s3API, stsClient stsAPI, delay time.Duration, logger *slog.Logger) *Provisioner {
	return &Provisioner{
		iam:              iamClient,
		lambda:           lambdaClient,
		s3:               s3Client,
		sts:              stsClient,
		propagationDelay: delay,
		sleep:            sleepContext,
		readFile:         os.ReadFile,
		logger:           logger,
	}
}

// AccountID returns the account of the calling identity.
func (p *Provisioner) AccountID(ctx context.Context) (string, error) {
	out, err := p.sts.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return "", providerError("Provisioner.AccountID", err)
	}
	return aws.ToString(out.Account), nil
}

// FunctionARN looks up the ARN of the provisioned function.
func (p *Provisioner) FunctionARN(ctx context.Context, spec Spec) (string, error) {
	account, err := p.AccountID(ctx)
	if err != nil {
		return "", err
	}
	name := spec.FunctionName(account)
	out, err := p.lambda.GetFunction(ctx, &lambda.GetFunctionInput{FunctionName: aws.String(name)})
	if isLambdaNotFound(err) {
		return "", domain.NewSubSystemError("provision", "Provisioner.FunctionARN", domain.ErrNotFound, name)
	}
	if err != nil {
		return "", providerError("Provisioner.FunctionARN", err)
	}
	if out.Configuration == nil {
		return "", domain.NewSubSystemError("provision", "Provisioner.FunctionARN", domain.ErrProviderError, "function without configuration")
	}
	return aws.ToString(out.Configuration.FunctionArn), nil
}

// Ensure creates whatever part of the resources does not exist yet. Existing
// resources are left as they are.
func (p *Provisioner) Ensure(ctx context.Context, spec Spec) (_ *Resources, err error) {
	ctx, span := tracer.StartSpan(ctx, "provision.ensure")
	defer func() { tracer.Finish(span, err) }()

	if spec.Name == "" || spec.Region == "" {
		return nil, domain.NewSubSystemError("provision", "Provisioner.Ensure", domain.ErrMissingField, "name and region")
	}
	account, err := p.AccountID(ctx)
	if err != nil {
		return nil, err
	}
	res := &Resources{
		AccountID:    account,
		RoleName:     spec.RoleName(account),
		FunctionName: spec.FunctionName(account),
		Bucket:       spec.Bucket,
	}

	if err := p.ensureRole(ctx, res); err != nil {
		return nil, err
	}
	if spec.Bucket != "" {
		if err := p.ensureBucket(ctx, spec.Region, res); err != nil {
			return nil, err
		}
		if err := p.putBucketPolicy(ctx, res); err != nil {
			return nil, err
		}
	}
	if err := p.ensureFunction(ctx, spec, res); err != nil {
		return nil, err
	}
	if err := p.ensurePermission(ctx, spec.Region, res); err != nil {
		return nil, err
	}

	p.logger.Info("order handler provisioned",
		"function", res.FunctionName,
		"function_arn", res.FunctionARN,
		"role", res.RoleName,
		"bucket", res.Bucket,
		"created", res.Created,
	)
	return res, nil
}

func (p *Provisioner) ensureRole(ctx context.Context, res *Resources) error {
	got, err := p.iam.GetRole(ctx, &iam.GetRoleInput{RoleName: aws.String(res.RoleName)})
	switch {
	case err == nil:
		p.logger.Info("role already exists", "role", res.RoleName)
		res.RoleARN = aws.ToString(got.Role.Arn)
	case isNoSuchEntity(err):
		created, err := p.iam.CreateRole(ctx, &iam.CreateRoleInput{
			RoleName:                 aws.String(res.RoleName),
			AssumeRolePolicyDocument: aws.String(trustPolicy()),
			Description:              aws.String("Execution role of the order handler action group"),
		})
		if err != nil {
			return providerError("Provisioner.ensureRole", err)
		}
		res.RoleARN = aws.ToString(created.Role.Arn)
		res.Created = append(res.Created, "role")
		p.logger.Info("role created", "role", res.RoleName)

		// New roles are not usable by Lambda until IAM has propagated them.
		if err := p.sleep(ctx, p.propagationDelay); err != nil {
			return err
		}
	default:
		return providerError("Provisioner.ensureRole", err)
	}

	// Attaching is idempotent, so a role left without its policy is repaired.
	if _, err := p.iam.AttachRolePolicy(ctx, &iam.AttachRolePolicyInput{
		RoleName:  aws.String(res.RoleName),
		PolicyArn: aws.String(BasicExecutionPolicyARN),
	}); err != nil {
		return providerError("Provisioner.ensureRole", err)
	}
	return nil
}

func (p *Provisioner) ensureBucket(ctx context.Context, region string, res *Resources) error {
	_, err := p.s3.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(res.Bucket)})
	if err == nil {
		p.logger.Info("bucket already exists", "bucket", res.Bucket)
		return nil
	}
	if !isS3NotFound(err) {
		return providerError("Provisioner.ensureBucket", err)
	}

	in := &s3.CreateBucketInput{Bucket: aws.String(res.Bucket)}
	// us-east-1 rejects an explicit location constraint.
	if region != "us-east-1" {
		in.CreateBucketConfiguration = &s3types.CreateBucketConfiguration{
			LocationConstraint: s3types.BucketLocationConstraint(region),
		}
	}
	if _, err := p.s3.CreateBucket(ctx, in); err != nil {
		return providerError("Provisioner.ensureBucket", err)
	}
	res.Created = append(res.Created, "bucket")
	p.logger.Info("bucket created", "bucket", res.Bucket, "region", region)
	return nil
}

func (p *Provisioner) putBucketPolicy(ctx context.Context, res *Resources) error {
	_, err := p.iam.PutRolePolicy(ctx, &iam.PutRolePolicyInput{
		RoleName:       aws.String(res.RoleName),
		PolicyName:     aws.String(res.RoleName + "-s3-access"),
		PolicyDocument: aws.String(bucketPolicy(res.Bucket)),
	})
	if err != nil {
		return providerError("Provisioner.putBucketPolicy", err)
	}
	p.logger.Info("bucket access policy attached", "role", res.RoleName, "bucket", res.Bucket)
	return nil
}

func (p *Provisioner) ensureFunction(ctx context.Context, spec Spec, res *Resources) error {
	got, err := p.lambda.GetFunction(ctx, &lambda.GetFunctionInput{FunctionName: aws.String(res.FunctionName)})
	if err == nil {
		p.logger.Info("function already exists", "function", res.FunctionName)
		if got.Configuration != nil {
			res.FunctionARN = aws.ToString(got.Configuration.FunctionArn)
		}
		return nil
	}
	if !isLambdaNotFound(err) {
		return providerError("Provisioner.ensureFunction", err)
	}

	binary, err := p.readFile(spec.BinaryPath)
	if err != nil {
		return domain.NewSubSystemError("provision", "Provisioner.ensureFunction", domain.ErrInvalidInput,
			fmt.Sprintf("read handler binary %s: %v", spec.BinaryPath, err))
	}
	archive, err := zipBootstrap(binary)
	if err != nil {
		return domain.WrapOp("Provisioner.ensureFunction", err)
	}

	env := map[string]string{}
	if spec.Bucket != "" {
		env["BUCKET_NAME"] = spec.Bucket
	}
	created, err := p.lambda.CreateFunction(ctx, &lambda.CreateFunctionInput{
		FunctionName: aws.String(res.FunctionName),
		Role:         aws.String(res.RoleARN),
		Runtime:      lambdatypes.RuntimeProvidedal2023,
		Handler:      aws.String("bootstrap"),
		Timeout:      aws.Int32(spec.Timeout),
		Code:         &lambdatypes.FunctionCode{ZipFile: archive},
		Environment:  &lambdatypes.Environment{Variables: env},
		Description:  aws.String("Order CRUD executor of the HandleOrders action group"),
	})
	if err != nil {
		return providerError("Provisioner.ensureFunction", err)
	}
	res.FunctionARN = aws.ToString(created.FunctionArn)
	res.Created = append(res.Created, "function")
	p.logger.Info("function created", "function", res.FunctionName, "arn", res.FunctionARN)
	return nil
}

func (p *Provisioner) ensurePermission(ctx context.Context, region string, res *Resources) error {
	policy, err := p.lambda.GetPolicy(ctx, &lambda.GetPolicyInput{FunctionName: aws.String(res.FunctionName)})
	switch {
	case err == nil:
		if hasStatement(aws.ToString(policy.Policy), PermissionStatementID) {
			p.logger.Info("permission already exists", "function", res.FunctionName, "sid", PermissionStatementID)
			return nil
		}
	case isLambdaNotFound(err):
		// No resource policy yet.
	default:
		return providerError("Provisioner.ensurePermission", err)
	}

	_, err = p.lambda.AddPermission(ctx, &lambda.AddPermissionInput{
		FunctionName: aws.String(res.FunctionName),
		StatementId:  aws.String(PermissionStatementID),
		Action:       aws.String("lambda:InvokeFunction"),
		Principal:    aws.String(bedrockPrincipal),
		SourceArn:    aws.String(fmt.Sprintf("arn:aws:bedrock:%s:%s:agent/*", region, res.AccountID)),
	})
	if err != nil {
		return providerError("Provisioner.ensurePermission", err)
	}
	res.Created = append(res.Created, "permission")
	p.logger.Info("permission added", "function", res.FunctionName, "sid", PermissionStatementID)
	return nil
}

// Remove deletes the function, the role with its policies and the bucket with
// all of its objects. Resources that do not exist are skipped.
func (p *Provisioner) Remove(ctx context.Context, spec Spec) (err error) {
	ctx, span := tracer.StartSpan(ctx, "provision.remove")
	defer func() { tracer.Finish(span, err) }()

	account, err := p.AccountID(ctx)
	if err != nil {
		return err
	}
	if err := p.removeFunction(ctx, spec.FunctionName(account)); err != nil {
		return err
	}
	if err := p.removeRole(ctx, spec.RoleName(account)); err != nil {
		return err
	}
	if spec.Bucket != "" {
		if err := p.removeBucket(ctx, spec.Bucket); err != nil {
			return err
		}
	}
	return nil
}

func (p *Provisioner) removeFunction(ctx context.Context, name string) error {
	_, err := p.lambda.DeleteFunction(ctx, &lambda.DeleteFunctionInput{FunctionName: aws.String(name)})
	if isLambdaNotFound(err) {
		p.logger.Info("function does not exist", "function", name)
		return nil
	}
	if err != nil {
		return providerError("Provisioner.removeFunction", err)
	}
	p.logger.Info("function deleted", "function", name)
	return nil
}

func (p *Provisioner) removeRole(ctx context.Context, name string) error {
	attached := iam.NewListAttachedRolePoliciesPaginator(p.iam, &iam.ListAttachedRolePoliciesInput{RoleName: aws.String(name)})
	for attached.HasMorePages() {
		page, err := attached.NextPage(ctx)
		if isNoSuchEntity(err) {
			p.logger.Info("role does not exist", "role", name)
			return nil
		}
		if err != nil {
			return providerError("Provisioner.removeRole", err)
		}
		for _, pol := range page.AttachedPolicies {
			if _, err := p.iam.DetachRolePolicy(ctx, &iam.DetachRolePolicyInput{
				RoleName:  aws.String(name),
				PolicyArn: pol.PolicyArn,
			}); err != nil {
				return providerError("Provisioner.removeRole", err)
			}
			p.logger.Info("policy detached", "role", name, "policy", aws.ToString(pol.PolicyArn))
		}
	}

	inline := iam.NewListRolePoliciesPaginator(p.iam, &iam.ListRolePoliciesInput{RoleName: aws.String(name)})
	for inline.HasMorePages() {
		page, err := inline.NextPage(ctx)
		if err != nil {
			return providerError("Provisioner.removeRole", err)
		}
		for _, policyName := range page.PolicyNames {
			if _, err := p.iam.DeleteRolePolicy(ctx, &iam.DeleteRolePolicyInput{
				RoleName:   aws.String(name),
				PolicyName: aws.String(policyName),
			}); err != nil {
				return providerError("Provisioner.removeRole", err)
			}
			p.logger.Info("inline policy deleted", "role", name, "policy", policyName)
		}
	}

	if _, err := p.iam.DeleteRole(ctx, &iam.DeleteRoleInput{RoleName: aws.String(name)}); err != nil {
		if isNoSuchEntity(err) {
			return nil
		}
		return providerError("Provisioner.removeRole", err)
	}
	p.logger.Info("role deleted", "role", name)
	return nil
}

func (p *Provisioner) removeBucket(ctx context.Context, bucket string) error {
	objects := s3.NewListObjectsV2Paginator(p.s3, &s3.ListObjectsV2Input{Bucket: aws.String(bucket)})
	for objects.HasMorePages() {
		page, err := objects.NextPage(ctx)
		if isS3NotFound(err) {
			p.logger.Info("bucket does not exist", "bucket", bucket)
			return nil
		}
		if err != nil {
			return providerError("Provisioner.removeBucket", err)
		}
		for _, obj := range page.Contents {
			if _, err := p.s3.DeleteObject(ctx, &s3.DeleteObjectInput{
				Bucket: aws.String(bucket),
				Key:    obj.Key,
			}); err != nil {
				return providerError("Provisioner.removeBucket", err)
			}
			p.logger.Debug("object deleted", "bucket", bucket, "key", aws.ToString(obj.Key))
		}
	}
	if _, err := p.s3.DeleteBucket(ctx, &s3.DeleteBucketInput{Bucket: aws.String(bucket)}); err != nil {
		if isS3NotFound(err) {
			return nil
		}
		return providerError("Provisioner.removeBucket", err)
	}
	p.logger.Info("bucket deleted", "bucket", bucket)
	return nil
}

type policyDocument struct {
	Version   string            `json:"Version"`
	Statement []policyStatement `json:"Statement"`
}

type policyStatement struct {
	Sid       string         `json:"Sid,omitempty"`
	Effect    string         `json:"Effect"`
	Principal map[string]any `json:"Principal,omitempty"`
	Action    any            `json:"Action"`
	Resource  string         `json:"Resource,omitempty"`
}

func trustPolicy() string {
	doc := policyDocument{
		Version: "2012-10-17",
		Statement: []policyStatement{
			{Effect: "Allow", Principal: map[string]any{"Service": bedrockPrincipal}, Action: "sts:AssumeRole"},
			{Effect: "Allow", Principal: map[string]any{"Service": lambdaPrincipal}, Action: "sts:AssumeRole"},
		},
	}
	data, _ := json.Marshal(doc)
	return string(data)
}

func bucketPolicy(bucket string) string {
	doc := policyDocument{
		Version: "2012-10-17",
		Statement: []policyStatement{
			{
				Effect:   "Allow",
				Action:   []string{"s3:PutObject", "s3:GetObject", "s3:DeleteObject"},
				Resource: fmt.Sprintf("arn:aws:s3:::%s/*", bucket),
			},
			{
				Effect:   "Allow",
				Action:   []string{"s3:ListBucket"},
				Resource: fmt.Sprintf("arn:aws:s3:::%s", bucket),
			},
		},
	}
	data, _ := json.Marshal(doc)
	return string(data)
}

// hasStatement reports whether the resource policy holds a statement with sid.
func hasStatement(policy, sid string) bool {
	var doc struct {
		Statement []struct {
			Sid string `json:"Sid"`
		} `json:"Statement"`
	}
	if err := json.Unmarshal([]byte(policy), &doc); err != nil {
		return false
	}
	for _, st := range doc.Statement {
		if st.Sid == sid {
			return true
		}
	}
	return false
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func providerError(op string, err error) error {
	return domain.NewSubSystemError("provision", op, domain.ErrProviderError, err.Error())
}

func isNoSuchEntity(err error) bool {
	if err == nil {
		return false
	}
	var nse *iamtypes.NoSuchEntityException
	return errors.As(err, &nse) || apiErrorCode(err) == "NoSuchEntity"
}

func isLambdaNotFound(err error) bool {
	if err == nil {
		return false
	}
	var rnf *lambdatypes.ResourceNotFoundException
	return errors.As(err, &rnf) || apiErrorCode(err) == "ResourceNotFoundException"
}

func isS3NotFound(err error) bool {
	if err == nil {
		return false
	}
	var nf *s3types.NotFound
	var nb *s3types.NoSuchBucket
	if errors.As(err, &nf) || errors.As(err, &nb) {
		return true
	}
	switch apiErrorCode(err) {
	case "NotFound", "NoSuchBucket":
		return true
	}
	return false
}

func apiErrorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}
