package provision

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"slices"
	"testing"
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
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jettro/bedrock-agent/internal/domain"
)

const testAccount = "123456789012"

// --- mocks ---

type mockIAM struct {
	roles    map[string]string   // name -> arn
	attached map[string][]string // role -> policy arns
	inline   map[string][]string // role -> policy names
	docs     map[string]string   // inline policy name -> document
	calls    []string
}

func newMockIAM() *mockIAM {
	return &mockIAM{
		roles:    map[string]string{},
		attached: map[string][]string{},
		inline:   map[string][]string{},
		docs:     map[string]string{},
	}
}

func noSuchEntity() error {
	return &iamtypes.NoSuchEntityException{Message: aws.String("role not found")}
}

func (m *mockIAM) GetRole(_ context.Context, in *iam.GetRoleInput, _ ...func(*iam.Options)) (*iam.GetRoleOutput, error) {
	m.calls = append(m.calls, "GetRole")
	arn, ok := m.roles[aws.ToString(in.RoleName)]
	if !ok {
		return nil, noSuchEntity()
	}
	return &iam.GetRoleOutput{Role: &iamtypes.Role{Arn: aws.String(arn)}}, nil
}

func (m *mockIAM) CreateRole(_ context.Context, in *iam.CreateRoleInput, _ ...func(*iam.Options)) (*iam.CreateRoleOutput, error) {
	m.calls = append(m.calls, "CreateRole")
	name := aws.ToString(in.RoleName)
	arn := "arn:aws:iam::" + testAccount + ":role/" + name
	m.roles[name] = arn
	m.docs["trust"] = aws.ToString(in.AssumeRolePolicyDocument)
	return &iam.CreateRoleOutput{Role: &iamtypes.Role{Arn: aws.String(arn)}}, nil
}

func (m *mockIAM) AttachRolePolicy(_ context.Context, in *iam.AttachRolePolicyInput, _ ...func(*iam.Options)) (*iam.AttachRolePolicyOutput, error) {
	m.calls = append(m.calls, "AttachRolePolicy")
	role, arn := aws.ToString(in.RoleName), aws.ToString(in.PolicyArn)
	if !slices.Contains(m.attached[role], arn) {
		m.attached[role] = append(m.attached[role], arn)
	}
	return &iam.AttachRolePolicyOutput{}, nil
}

func (m *mockIAM) PutRolePolicy(_ context.Context, in *iam.PutRolePolicyInput, _ ...func(*iam.Options)) (*iam.PutRolePolicyOutput, error) {
	m.calls = append(m.calls, "PutRolePolicy")
	role := aws.ToString(in.RoleName)
	name := aws.ToString(in.PolicyName)
	m.inline[role] = append(m.inline[role], name)
	m.docs[name] = aws.ToString(in.PolicyDocument)
	return &iam.PutRolePolicyOutput{}, nil
}

func (m *mockIAM) ListAttachedRolePolicies(_ context.Context, in *iam.ListAttachedRolePoliciesInput, _ ...func(*iam.Options)) (*iam.ListAttachedRolePoliciesOutput, error) {
	role := aws.ToString(in.RoleName)
	if _, ok := m.roles[role]; !ok {
		return nil, noSuchEntity()
	}
	out := &iam.ListAttachedRolePoliciesOutput{}
	for _, arn := range m.attached[role] {
		out.AttachedPolicies = append(out.AttachedPolicies, iamtypes.AttachedPolicy{PolicyArn: aws.String(arn)})
	}
	return out, nil
}

func (m *mockIAM) DetachRolePolicy(_ context.Context, in *iam.DetachRolePolicyInput, _ ...func(*iam.Options)) (*iam.DetachRolePolicyOutput, error) {
	m.calls = append(m.calls, "DetachRolePolicy")
	delete(m.attached, aws.ToString(in.RoleName))
	return &iam.DetachRolePolicyOutput{}, nil
}

func (m *mockIAM) ListRolePolicies(_ context.Context, in *iam.ListRolePoliciesInput, _ ...func(*iam.Options)) (*iam.ListRolePoliciesOutput, error) {
	return &iam.ListRolePoliciesOutput{PolicyNames: m.inline[aws.ToString(in.RoleName)]}, nil
}

func (m *mockIAM) DeleteRolePolicy(_ context.Context, in *iam.DeleteRolePolicyInput, _ ...func(*iam.Options)) (*iam.DeleteRolePolicyOutput, error) {
	m.calls = append(m.calls, "DeleteRolePolicy")
	delete(m.docs, aws.ToString(in.PolicyName))
	return &iam.DeleteRolePolicyOutput{}, nil
}

func (m *mockIAM) DeleteRole(_ context.Context, in *iam.DeleteRoleInput, _ ...func(*iam.Options)) (*iam.DeleteRoleOutput, error) {
	m.calls = append(m.calls, "DeleteRole")
	delete(m.roles, aws.ToString(in.RoleName))
	delete(m.inline, aws.ToString(in.RoleName))
	return &iam.DeleteRoleOutput{}, nil
}

type mockLambda struct {
	functions  map[string]*lambda.CreateFunctionInput
	policy     string
	getErr     error
	permission *lambda.AddPermissionInput
	calls      []string
}

func newMockLambda() *mockLambda {
	return &mockLambda{functions: map[string]*lambda.CreateFunctionInput{}}
}

func lambdaNotFound() error {
	return &lambdatypes.ResourceNotFoundException{Message: aws.String("function not found")}
}

func (m *mockLambda) GetFunction(_ context.Context, in *lambda.GetFunctionInput, _ ...func(*lambda.Options)) (*lambda.GetFunctionOutput, error) {
	m.calls = append(m.calls, "GetFunction")
	if m.getErr != nil {
		return nil, m.getErr
	}
	name := aws.ToString(in.FunctionName)
	if _, ok := m.functions[name]; !ok {
		return nil, lambdaNotFound()
	}
	return &lambda.GetFunctionOutput{Configuration: &lambdatypes.FunctionConfiguration{
		FunctionArn: aws.String("arn:aws:lambda:eu-west-1:" + testAccount + ":function:" + name),
	}}, nil
}

func (m *mockLambda) CreateFunction(_ context.Context, in *lambda.CreateFunctionInput, _ ...func(*lambda.Options)) (*lambda.CreateFunctionOutput, error) {
	m.calls = append(m.calls, "CreateFunction")
	name := aws.ToString(in.FunctionName)
	m.functions[name] = in
	return &lambda.CreateFunctionOutput{FunctionArn: aws.String("arn:aws:lambda:eu-west-1:" + testAccount + ":function:" + name)}, nil
}

func (m *mockLambda) GetPolicy(context.Context, *lambda.GetPolicyInput, ...func(*lambda.Options)) (*lambda.GetPolicyOutput, error) {
	if m.policy == "" {
		return nil, lambdaNotFound()
	}
	return &lambda.GetPolicyOutput{Policy: aws.String(m.policy)}, nil
}

func (m *mockLambda) AddPermission(_ context.Context, in *lambda.AddPermissionInput, _ ...func(*lambda.Options)) (*lambda.AddPermissionOutput, error) {
	m.calls = append(m.calls, "AddPermission")
	m.permission = in
	m.policy = `{"Statement":[{"Sid":"` + aws.ToString(in.StatementId) + `"}]}`
	return &lambda.AddPermissionOutput{}, nil
}

func (m *mockLambda) DeleteFunction(_ context.Context, in *lambda.DeleteFunctionInput, _ ...func(*lambda.Options)) (*lambda.DeleteFunctionOutput, error) {
	m.calls = append(m.calls, "DeleteFunction")
	name := aws.ToString(in.FunctionName)
	if _, ok := m.functions[name]; !ok {
		return nil, lambdaNotFound()
	}
	delete(m.functions, name)
	return &lambda.DeleteFunctionOutput{}, nil
}

type mockS3 struct {
	buckets map[string][]string // bucket -> keys
	created *s3.CreateBucketInput
	pageLen int
	calls   []string
}

func newMockS3() *mockS3 { return &mockS3{buckets: map[string][]string{}, pageLen: 1000} }

func (m *mockS3) HeadBucket(_ context.Context, in *s3.HeadBucketInput, _ ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	if _, ok := m.buckets[aws.ToString(in.Bucket)]; !ok {
		return nil, &s3types.NotFound{}
	}
	return &s3.HeadBucketOutput{}, nil
}

func (m *mockS3) CreateBucket(_ context.Context, in *s3.CreateBucketInput, _ ...func(*s3.Options)) (*s3.CreateBucketOutput, error) {
	m.calls = append(m.calls, "CreateBucket")
	m.created = in
	m.buckets[aws.ToString(in.Bucket)] = nil
	return &s3.CreateBucketOutput{}, nil
}

func (m *mockS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	keys, ok := m.buckets[aws.ToString(in.Bucket)]
	if !ok {
		return nil, &s3types.NoSuchBucket{}
	}
	start := 0
	if tok := aws.ToString(in.ContinuationToken); tok != "" {
		for i, k := range keys {
			if k == tok {
				start = i + 1
			}
		}
	}
	keys = keys[start:]
	out := &s3.ListObjectsV2Output{}
	if len(keys) > m.pageLen {
		keys = keys[:m.pageLen]
		out.IsTruncated = aws.Bool(true)
		out.NextContinuationToken = aws.String(keys[len(keys)-1])
	}
	for _, k := range keys {
		out.Contents = append(out.Contents, s3types.Object{Key: aws.String(k)})
	}
	return out, nil
}

func (m *mockS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	m.calls = append(m.calls, "DeleteObject:"+aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (m *mockS3) DeleteBucket(_ context.Context, in *s3.DeleteBucketInput, _ ...func(*s3.Options)) (*s3.DeleteBucketOutput, error) {
	m.calls = append(m.calls, "DeleteBucket")
	delete(m.buckets, aws.ToString(in.Bucket))
	return &s3.DeleteBucketOutput{}, nil
}

type mockSTS struct{ err error }

func (m *mockSTS) GetCallerIdentity(context.Context, *sts.GetCallerIdentityInput, ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &sts.GetCallerIdentityOutput{Account: aws.String(testAccount)}, nil
}

// --- helpers ---

type fixture struct {
	iam    *mockIAM
	lambda *mockLambda
	s3     *mockS3
	sts    *mockSTS
	slept  []time.Duration
	p      *Provisioner
}

func newFixture() *fixture {
	f := &fixture{iam: newMockIAM(), lambda: newMockLambda(), s3: newMockS3(), sts: &mockSTS{}}
	f.p = newProvisionerWithClients(f.iam, f.lambda, f.s3, f.sts, 10*time.Second,
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	f.p.sleep = func(_ context.Context, d time.Duration) error {
		f.slept = append(f.slept, d)
		return nil
	}
	f.p.readFile = func(string) ([]byte, error) { return []byte("\x7fELF binary"), nil }
	return f
}

func testSpec() Spec {
	return Spec{
		Name:       "inline-agent-order-handler",
		Region:     "eu-west-1",
		Bucket:     "inline-agent-sample-orders-bucket",
		BinaryPath: "bin/orderhandler/bootstrap",
		Timeout:    180,
	}
}

// --- tests ---

func TestSpecNames(t *testing.T) {
	s := testSpec()
	assert.Equal(t, "inline-agent-order-handler-lambda-role-eu-west-1-"+testAccount, s.RoleName(testAccount))
	assert.Equal(t, "inline-agent-order-handler-eu-west-1-"+testAccount, s.FunctionName(testAccount))
}

func TestEnsure_CreatesEverything(t *testing.T) {
	f := newFixture()
	spec := testSpec()

	res, err := f.p.Ensure(context.Background(), spec)
	require.NoError(t, err)

	assert.Equal(t, testAccount, res.AccountID)
	assert.Equal(t, []string{"role", "bucket", "function", "permission"}, res.Created)
	assert.Equal(t, []time.Duration{10 * time.Second}, f.slept)

	// Role with trust for both services and the basic execution policy.
	assert.Contains(t, f.iam.docs["trust"], "bedrock.amazonaws.com")
	assert.Contains(t, f.iam.docs["trust"], "lambda.amazonaws.com")
	assert.Equal(t, []string{BasicExecutionPolicyARN}, f.iam.attached[res.RoleName])

	// Inline bucket policy.
	policyName := res.RoleName + "-s3-access"
	require.Contains(t, f.iam.docs, policyName)
	assert.Contains(t, f.iam.docs[policyName], "arn:aws:s3:::inline-agent-sample-orders-bucket/*")
	assert.Contains(t, f.iam.docs[policyName], "s3:PutObject")

	// Bucket in the requested region.
	require.NotNil(t, f.s3.created.CreateBucketConfiguration)
	assert.Equal(t, s3types.BucketLocationConstraint("eu-west-1"), f.s3.created.CreateBucketConfiguration.LocationConstraint)

	// Function from the zipped bootstrap.
	fn := f.lambda.functions[res.FunctionName]
	require.NotNil(t, fn)
	assert.Equal(t, lambdatypes.RuntimeProvidedal2023, fn.Runtime)
	assert.Equal(t, "bootstrap", aws.ToString(fn.Handler))
	assert.Equal(t, int32(180), aws.ToInt32(fn.Timeout))
	assert.Equal(t, res.RoleARN, aws.ToString(fn.Role))
	assert.Equal(t, "inline-agent-sample-orders-bucket", fn.Environment.Variables["BUCKET_NAME"])
	assertBootstrapZip(t, fn.Code.ZipFile, "\x7fELF binary")

	// Bedrock may invoke it.
	perm := f.lambda.permission
	require.NotNil(t, perm)
	assert.Equal(t, PermissionStatementID, aws.ToString(perm.StatementId))
	assert.Equal(t, "bedrock.amazonaws.com", aws.ToString(perm.Principal))
	assert.Equal(t, "lambda:InvokeFunction", aws.ToString(perm.Action))
	assert.Equal(t, "arn:aws:bedrock:eu-west-1:"+testAccount+":agent/*", aws.ToString(perm.SourceArn))
	assert.Equal(t, res.FunctionARN, "arn:aws:lambda:eu-west-1:"+testAccount+":function:"+res.FunctionName)
}

func TestEnsure_IsIdempotent(t *testing.T) {
	f := newFixture()
	spec := testSpec()

	_, err := f.p.Ensure(context.Background(), spec)
	require.NoError(t, err)
	f.iam.calls, f.lambda.calls, f.s3.calls, f.slept = nil, nil, nil, nil

	res, err := f.p.Ensure(context.Background(), spec)
	require.NoError(t, err)
	assert.Empty(t, res.Created)
	assert.NotContains(t, f.iam.calls, "CreateRole")
	assert.Contains(t, f.iam.calls, "AttachRolePolicy")
	assert.Equal(t, []string{BasicExecutionPolicyARN}, f.iam.attached[res.RoleName])
	assert.NotContains(t, f.lambda.calls, "CreateFunction")
	assert.NotContains(t, f.lambda.calls, "AddPermission")
	assert.Empty(t, f.s3.calls)
	assert.Empty(t, f.slept)
	assert.NotEmpty(t, res.FunctionARN)
	assert.NotEmpty(t, res.RoleARN)
}

func TestEnsure_ExistingRoleGetsExecutionPolicy(t *testing.T) {
	f := newFixture()
	spec := testSpec()
	role := spec.RoleName(testAccount)
	f.iam.roles[role] = "arn:aws:iam::" + testAccount + ":role/" + role

	res, err := f.p.Ensure(context.Background(), spec)
	require.NoError(t, err)
	assert.NotContains(t, res.Created, "role")
	assert.Equal(t, f.iam.roles[role], res.RoleARN)
	assert.Equal(t, []string{BasicExecutionPolicyARN}, f.iam.attached[role])
	assert.Empty(t, f.slept)
}

func TestEnsure_NoBucket(t *testing.T) {
	f := newFixture()
	spec := testSpec()
	spec.Bucket = ""

	res, err := f.p.Ensure(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, []string{"role", "function", "permission"}, res.Created)
	assert.NotContains(t, f.iam.calls, "PutRolePolicy")
	assert.Empty(t, f.lambda.functions[res.FunctionName].Environment.Variables)
}

func TestEnsure_UsEast1OmitsLocationConstraint(t *testing.T) {
	f := newFixture()
	spec := testSpec()
	spec.Region = "us-east-1"

	_, err := f.p.Ensure(context.Background(), spec)
	require.NoError(t, err)
	assert.Nil(t, f.s3.created.CreateBucketConfiguration)
}

func TestEnsure_MissingBinary(t *testing.T) {
	f := newFixture()
	f.p.readFile = func(string) ([]byte, error) { return nil, errors.New("no such file") }

	_, err := f.p.Ensure(context.Background(), testSpec())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	assert.Contains(t, err.Error(), "bin/orderhandler/bootstrap")
}

func TestEnsure_ProviderErrors(t *testing.T) {
	t.Run("identity", func(t *testing.T) {
		f := newFixture()
		f.sts.err = &smithy.GenericAPIError{Code: "ExpiredToken", Message: "token expired"}
		_, err := f.p.Ensure(context.Background(), testSpec())
		assert.ErrorIs(t, err, domain.ErrProviderError)
		assert.Equal(t, domain.CodeProvisionProvider, domain.ErrorCodeOf(err))
	})

	t.Run("get function", func(t *testing.T) {
		f := newFixture()
		f.lambda.getErr = &smithy.GenericAPIError{Code: "AccessDeniedException", Message: "denied"}
		_, err := f.p.Ensure(context.Background(), testSpec())
		assert.ErrorIs(t, err, domain.ErrProviderError)
		assert.Contains(t, err.Error(), "denied")
		assert.NotContains(t, f.lambda.calls, "CreateFunction")
	})
}

func TestEnsure_RequiresNameAndRegion(t *testing.T) {
	f := newFixture()
	_, err := f.p.Ensure(context.Background(), Spec{Region: "eu-west-1"})
	assert.ErrorIs(t, err, domain.ErrMissingField)
}

func TestEnsure_PermissionAlreadyInPolicy(t *testing.T) {
	f := newFixture()
	f.lambda.policy = `{"Statement":[{"Sid":"other"},{"Sid":"allow_bedrock"}]}`

	res, err := f.p.Ensure(context.Background(), testSpec())
	require.NoError(t, err)
	assert.NotContains(t, res.Created, "permission")
	assert.Nil(t, f.lambda.permission)
}

func TestRemove_DeletesEverything(t *testing.T) {
	f := newFixture()
	spec := testSpec()
	res, err := f.p.Ensure(context.Background(), spec)
	require.NoError(t, err)
	f.s3.buckets[spec.Bucket] = []string{"orders/1.json", "orders/2.json", "orders/3.json"}
	f.s3.pageLen = 2
	f.iam.calls, f.s3.calls = nil, nil

	require.NoError(t, f.p.Remove(context.Background(), spec))

	assert.Empty(t, f.lambda.functions)
	assert.NotContains(t, f.iam.roles, res.RoleName)
	assert.Equal(t, []string{"DetachRolePolicy", "DeleteRolePolicy", "DeleteRole"}, f.iam.calls)
	assert.Equal(t, []string{
		"DeleteObject:orders/1.json",
		"DeleteObject:orders/2.json",
		"DeleteObject:orders/3.json",
		"DeleteBucket",
	}, f.s3.calls)
	assert.NotContains(t, f.s3.buckets, spec.Bucket)
}

func TestRemove_SkipsMissingResources(t *testing.T) {
	f := newFixture()
	require.NoError(t, f.p.Remove(context.Background(), testSpec()))
	assert.Equal(t, []string{"DeleteFunction"}, f.lambda.calls)
	assert.Empty(t, f.iam.calls)
	assert.Empty(t, f.s3.calls)
}

func TestHasStatement(t *testing.T) {
	assert.True(t, hasStatement(`{"Statement":[{"Sid":"allow_bedrock"}]}`, "allow_bedrock"))
	assert.False(t, hasStatement(`{"Statement":[{"Sid":"x"}]}`, "allow_bedrock"))
	assert.False(t, hasStatement(`not json`, "allow_bedrock"))
}

func TestTrustPolicy(t *testing.T) {
	var doc policyDocument
	require.NoError(t, json.Unmarshal([]byte(trustPolicy()), &doc))
	require.Len(t, doc.Statement, 2)
	assert.Equal(t, "sts:AssumeRole", doc.Statement[0].Action)
}

func TestSleepContext(t *testing.T) {
	assert.NoError(t, sleepContext(context.Background(), 0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleepContext(ctx, time.Hour), context.Canceled)
}

func assertBootstrapZip(t *testing.T, data []byte, want string) {
	t.Helper()
	r, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	require.Len(t, r.File, 1)
	assert.Equal(t, "bootstrap", r.File[0].Name)
	assert.Equal(t, "-rwxr-xr-x", r.File[0].Mode().String())
	rc, err := r.File[0].Open()
	require.NoError(t, err)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, want, string(got))
}

func TestFunctionARN(t *testing.T) {
	f := newFixture()
	spec := testSpec()

	_, err := f.p.FunctionARN(context.Background(), spec)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	res, err := f.p.Ensure(context.Background(), spec)
	require.NoError(t, err)

	arn, err := f.p.FunctionARN(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, res.FunctionARN, arn)
}
