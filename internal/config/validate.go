// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"errors"
	"fmt"
	"net/url"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	pipeerrors "github.com/tombee/pipectl/pkg/errors"
	"github.com/tombee/pipectl/pkg/pipeline"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func configValidator() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		v.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
		_ = v.RegisterValidation("httpurl", func(fl validator.FieldLevel) bool {
			u, err := url.Parse(fl.Field().String())
			return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
		})
		_ = v.RegisterValidation("sessionid", func(fl validator.FieldLevel) bool {
			return pipeline.ValidSessionID(fl.Field().String())
		})
		validate = v
	})
	return validate
}

// Validate checks the configuration and returns a *ConfigError naming the
// first offending key.
func (c *Config) Validate() error {
	if err := configValidator().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) || len(verrs) == 0 {
			return &pipeerrors.ConfigError{Key: "config", Reason: "validation failed", Cause: err}
		}
		fe := verrs[0]
		return &pipeerrors.ConfigError{
			Key:    configKey(fe.Namespace()),
			Reason: reason(fe),
		}
	}

	if c.Storage.Backend == BackendRedis && c.Storage.Redis.Addr == "" {
		return &pipeerrors.ConfigError{
			Key:    "storage.redis.addr",
			Reason: "required when storage.backend is redis",
		}
	}
	if c.Engine.RetryMaxDelay < c.Engine.RetryBaseDelay {
		return &pipeerrors.ConfigError{
			Key:    "engine.retry_max_delay",
			Reason: fmt.Sprintf("must be at least retry_base_delay (%v)", c.Engine.RetryBaseDelay),
		}
	}

	return nil
}

// configKey turns "Config.api.url" into "api.url".
func configKey(namespace string) string {
	if i := strings.Index(namespace, "."); i >= 0 {
		return namespace[i+1:]
	}
	return namespace
}

func reason(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "url", "httpurl":
		return fmt.Sprintf("%q is not a valid http(s) URL", fe.Value())
	case "sessionid":
		return fmt.Sprintf("%q is not a valid session id", fe.Value())
	case "hostname_port":
		return fmt.Sprintf("%q is not a valid host:port", fe.Value())
	case "oneof":
		return fmt.Sprintf("must be one of [%s], got %q", fe.Param(), fe.Value())
	case "gt":
		return fmt.Sprintf("must be > %s, got %v", fe.Param(), fe.Value())
	case "gte":
		return fmt.Sprintf("must be >= %s, got %v", fe.Param(), fe.Value())
	case "lte":
		return fmt.Sprintf("must be <= %s, got %v", fe.Param(), fe.Value())
	default:
		return fmt.Sprintf("failed %s validation", fe.Tag())
	}
}
