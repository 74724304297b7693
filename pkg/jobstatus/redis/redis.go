// Copyright 2018-2022 CERN
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
//
// In applying this license, CERN does not waive the privileges and immunities
// granted to it by virtue of its status as an Intergovernmental Organization
// or submit itself to any jurisdiction.

// Package redis implements the job-status store on a redis server.
package redis

import (
	"context"

	goredis "github.com/go-redis/redis/v8"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"

	"github.com/vre-charite/downloadsvc/pkg/jobstatus"
	"github.com/vre-charite/downloadsvc/pkg/jobstatus/registry"
)

func init() {
	registry.Register("redis", New)
}

type config struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type store struct {
	client *goredis.Client
}

// New returns a job-status store backed by redis.
func New(m map[string]interface{}) (jobstatus.Store, error) {
	c := &config{}
	if err := mapstructure.Decode(m, c); err != nil {
		return nil, err
	}
	if c.Address == "" {
		c.Address = "localhost:6379"
	}

	client := goredis.NewClient(&goredis.Options{
		Addr:     c.Address,
		Password: c.Password,
		DB:       c.DB,
	})
	return &store{client: client}, nil
}

func (s *store) Set(ctx context.Context, key string, value []byte) error {
	return s.client.Set(ctx, key, value, 0).Err()
}

func (s *store) MGetByPrefix(ctx context.Context, prefix string) ([][]byte, error) {
	keys, err := s.client.Keys(ctx, prefix+"*").Result()
	if err != nil {
		return nil, errors.Wrap(err, "redis: error scanning keys")
	}
	if len(keys) == 0 {
		return nil, nil
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, errors.Wrap(err, "redis: error reading keys")
	}

	res := make([][]byte, 0, len(values))
	for _, v := range values {
		if v == nil {
			continue
		}
		if str, ok := v.(string); ok {
			res = append(res, []byte(str))
		}
	}
	return res, nil
}

func (s *store) MDeleteByPrefix(ctx context.Context, prefix string) error {
	keys, err := s.client.Keys(ctx, prefix+"*").Result()
	if err != nil {
		return errors.Wrap(err, "redis: error scanning keys")
	}
	if len(keys) == 0 {
		return nil
	}
	return s.client.Del(ctx, keys...).Err()
}
