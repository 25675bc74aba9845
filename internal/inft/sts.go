package inft

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aliyun/alibaba-cloud-sdk-go/sdk/requests"
	"github.com/aliyun/alibaba-cloud-sdk-go/services/sts"
)

// Credentials are short-lived keys that let a client read agent objects
// straight from the bucket.
type Credentials struct {
	AccessKeyID     string `json:"access_key_id"`
	AccessKeySecret string `json:"access_key_secret"`
	SecurityToken   string `json:"security_token"`
	Expiration      string `json:"expiration"`

	Provider   string   `json:"provider"`
	Bucket     string   `json:"bucket"`
	Endpoint   string   `json:"endpoint"`
	Region     string   `json:"region"`
	BasePrefix string   `json:"base_prefix"`
	Prefixes   []string `json:"prefixes,omitempty"`
}

type STSAssumer interface {
	AssumeRole(ctx context.Context, sessionName, policy string, durationSeconds int) (Credentials, error)
}

// NewSTSAssumer builds the credential issuer for cfg.Provider. The s3
// backend has no STS integration; it gets the local issuer so development
// setups keep working.
func NewSTSAssumer(cfg StoreConfig) (STSAssumer, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "local", "s3":
		return localSTS{cfg: cfg, now: time.Now}, nil
	case "aliyun":
		if cfg.Region == "" {
			return nil, errors.New("AGENTMARKET_OSS_REGION is required when AGENTMARKET_OSS_PROVIDER=aliyun")
		}
		if cfg.AccessKeyID == "" || cfg.AccessKeySecret == "" || cfg.STSRoleARN == "" {
			return nil, errors.New("missing STS config (AGENTMARKET_OSS_ACCESS_KEY_ID/SECRET + AGENTMARKET_OSS_STS_ROLE_ARN)")
		}
		client, err := sts.NewClientWithAccessKey(cfg.Region, cfg.AccessKeyID, cfg.AccessKeySecret)
		if err != nil {
			return nil, err
		}
		return aliyunSTS{client: client, cfg: cfg}, nil
	default:
		return nil, errors.New("unsupported object store provider (set AGENTMARKET_OSS_PROVIDER=local|aliyun|s3)")
	}
}

type localSTS struct {
	cfg StoreConfig
	now func() time.Time
}

func (s localSTS) AssumeRole(ctx context.Context, _, _ string, durationSeconds int) (Credentials, error) {
	if err := ctx.Err(); err != nil {
		return Credentials{}, err
	}
	if durationSeconds <= 0 {
		durationSeconds = s.cfg.STSDurationSeconds
	}
	token, err := randomToken()
	if err != nil {
		return Credentials{}, err
	}
	return Credentials{
		Provider:        "local",
		AccessKeyID:     "local",
		AccessKeySecret: "local",
		SecurityToken:   token,
		Expiration:      s.now().Add(time.Duration(durationSeconds) * time.Second).UTC().Format(time.RFC3339),
		Bucket:          s.cfg.Bucket,
		Endpoint:        s.cfg.Endpoint,
		Region:          s.cfg.Region,
		BasePrefix:      strings.Trim(strings.TrimSpace(s.cfg.BasePrefix), "/"),
	}, nil
}

type aliyunSTS struct {
	client *sts.Client
	cfg    StoreConfig
}

func (s aliyunSTS) AssumeRole(ctx context.Context, sessionName, policy string, durationSeconds int) (Credentials, error) {
	if err := ctx.Err(); err != nil {
		return Credentials{}, err
	}
	req := sts.CreateAssumeRoleRequest()
	req.Scheme = "https"
	req.RoleArn = s.cfg.STSRoleARN
	req.RoleSessionName = sessionName
	req.Policy = policy
	req.DurationSeconds = requests.NewInteger(durationSeconds)

	// The SDK call takes no context.
	resp, err := s.client.AssumeRole(req)
	if err != nil {
		return Credentials{}, fmt.Errorf("sts assume role: %w", err)
	}
	if resp == nil || resp.Credentials.AccessKeyId == "" {
		return Credentials{}, errors.New("sts assume role returned empty credentials")
	}
	return Credentials{
		Provider:        "aliyun_sts",
		AccessKeyID:     resp.Credentials.AccessKeyId,
		AccessKeySecret: resp.Credentials.AccessKeySecret,
		SecurityToken:   resp.Credentials.SecurityToken,
		Expiration:      resp.Credentials.Expiration,
		Bucket:          s.cfg.Bucket,
		Endpoint:        s.cfg.Endpoint,
		Region:          s.cfg.Region,
		BasePrefix:      strings.Trim(strings.TrimSpace(s.cfg.BasePrefix), "/"),
	}, nil
}

type policyStatement struct {
	Effect    string                         `json:"Effect"`
	Action    []string                       `json:"Action"`
	Resource  []string                       `json:"Resource"`
	Condition map[string]map[string][]string `json:"Condition,omitempty"`
}

// BuildReadPolicy returns an OSS RAM policy allowing list and get below the
// given prefixes only. Prefixes must already include the base prefix.
func BuildReadPolicy(bucket string, prefixes []string) (string, error) {
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return "", errors.New("missing bucket")
	}
	prefixes = dedupePrefixes(prefixes)
	if len(prefixes) == 0 {
		return "", errors.New("missing prefixes")
	}

	listPatterns := make([]string, 0, len(prefixes)*2)
	resources := make([]string, 0, len(prefixes))
	for _, p := range prefixes {
		listPatterns = append(listPatterns, p)
		if strings.HasSuffix(p, "*") {
			resources = append(resources, fmt.Sprintf("acs:oss:*:*:%s/%s", bucket, p))
			continue
		}
		listPatterns = append(listPatterns, p+"*")
		resources = append(resources, fmt.Sprintf("acs:oss:*:*:%s/%s*", bucket, p))
	}

	stmts := []policyStatement{
		{
			Effect:   "Allow",
			Action:   []string{"oss:ListObjects"},
			Resource: []string{fmt.Sprintf("acs:oss:*:*:%s", bucket)},
			Condition: map[string]map[string][]string{
				"StringLike": {"oss:Prefix": listPatterns},
			},
		},
		{
			Effect:   "Allow",
			Action:   []string{"oss:GetObject"},
			Resource: resources,
		},
	}
	b, err := json.Marshal(map[string]any{"Version": "1", "Statement": stmts})
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func dedupePrefixes(in []string) []string {
	out := make([]string, 0, len(in))
	seen := map[string]struct{}{}
	for _, p := range in {
		p = strings.TrimLeft(strings.TrimSpace(p), "/")
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}
