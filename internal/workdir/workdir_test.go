/*
Copyright 2021 The Crossplane Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package workdir

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/spf13/afero"

	"github.com/infraweave-io/infraweave/internal/domain"
	"github.com/infraweave-io/infraweave/internal/registry"
)

// fakeDB is a minimal in-memory registry.DynamoDBAPI, sufficient for the
// Query the garbage collector issues through GetAllDeployments.
type fakeDB struct {
	items map[string]map[string]types.AttributeValue
}

func newFakeDB() *fakeDB { return &fakeDB{items: map[string]map[string]types.AttributeValue{}} }

func itemKeyOf(item map[string]types.AttributeValue) string {
	pk := item["PK"].(*types.AttributeValueMemberS).Value
	sk := item["SK"].(*types.AttributeValueMemberS).Value
	return pk + "|" + sk
}

func (f *fakeDB) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	return &dynamodb.GetItemOutput{Item: f.items[itemKeyOf(in.Key)]}, nil
}

func (f *fakeDB) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.items[itemKeyOf(in.Item)] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDB) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	pk := in.ExpressionAttributeValues[":pk"].(*types.AttributeValueMemberS).Value
	var prefix string
	if v, ok := in.ExpressionAttributeValues[":skPrefix"]; ok {
		prefix = v.(*types.AttributeValueMemberS).Value
	}
	var out []map[string]types.AttributeValue
	for _, item := range f.items {
		if item["PK"].(*types.AttributeValueMemberS).Value != pk {
			continue
		}
		sk := item["SK"].(*types.AttributeValueMemberS).Value
		if prefix == "" || (len(sk) >= len(prefix) && sk[:len(prefix)] == prefix) {
			out = append(out, item)
		}
	}
	return &dynamodb.QueryOutput{Items: out}, nil
}

func (f *fakeDB) TransactWriteItems(_ context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	for _, ti := range in.TransactItems {
		if ti.Put != nil {
			f.items[itemKeyOf(ti.Put.Item)] = ti.Put.Item
		}
	}
	return &dynamodb.TransactWriteItemsOutput{}, nil
}

func withDirs(fs afero.Afero, dir ...string) afero.Afero {
	for _, d := range dir {
		_ = fs.Mkdir(d, os.ModePerm)
	}
	return fs
}

func getDirs(fs afero.Afero, parentDir string) []string {
	dirs := make([]string, 0)
	fis, _ := fs.ReadDir(parentDir)
	for _, fi := range fis {
		if !fi.IsDir() {
			continue
		}
		dirs = append(dirs, fi.Name())
	}
	return dirs
}

func TestCollect(t *testing.T) {
	parentDir := "/test"
	const environment = "k8s-test/team-a"

	cases := map[string]struct {
		reason      string
		deployments []domain.Deployment
		fs          afero.Afero
		wantDirs    []string
		wantErr     bool
	}{
		"NoParentDir": {
			reason:  "Garbage collection should succeed without removing anything when the parent directory does not exist.",
			fs:      afero.Afero{Fs: afero.NewMemMapFs()},
			wantErr: false,
		},
		"NoOp": {
			reason:   "Garbage collection should succeed when there are no deployments or workdirs.",
			fs:       withDirs(afero.Afero{Fs: afero.NewMemMapFs()}, parentDir),
			wantDirs: []string{},
		},
		"Success": {
			reason: "Workdirs belonging to deployments that no longer exist should be garbage collected; dirs that don't look like ours are left alone.",
			deployments: []domain.Deployment{
				{DeploymentID: "8371dd9e-dd3f-4a42-bd8c-340c4744f6de", Environment: environment},
				{DeploymentID: "ebaac629-43a3-4b39-8138-d7ac19cafe11", Environment: environment},
			},
			fs: withDirs(afero.Afero{Fs: afero.NewMemMapFs()},
				parentDir,
				filepath.Join(parentDir, "deployment-8371dd9e-dd3f-4a42-bd8c-340c4744f6de"),
				filepath.Join(parentDir, "deployment-ebaac629-43a3-4b39-8138-d7ac19cafe11"),
				filepath.Join(parentDir, "deployment-0d177133-1a2f-4ce2-93d2-f8212d3344e7"),
				filepath.Join(parentDir, "helm"),
				filepath.Join(parentDir, "registry.terraform.io"),
			),
			wantDirs: []string{
				"deployment-8371dd9e-dd3f-4a42-bd8c-340c4744f6de",
				"deployment-ebaac629-43a3-4b39-8138-d7ac19cafe11",
				"helm",
				"registry.terraform.io",
			},
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			reg := &registry.Client{DB: newFakeDB(), Table: "infraweave"}
			for _, d := range tc.deployments {
				if err := reg.PutDeployment(context.Background(), d); err != nil {
					t.Fatalf("PutDeployment: %v", err)
				}
			}

			gc := NewGarbageCollector(reg, environment, parentDir, WithFs(tc.fs))
			err := gc.collect(context.Background())
			if tc.wantErr != (err != nil) {
				t.Fatalf("gc.collect(...): error = %v, wantErr = %v", err, tc.wantErr)
			}

			got := getDirs(tc.fs, parentDir)
			if diff := cmp.Diff(tc.wantDirs, got, cmpopts.EquateEmpty(), cmpopts.SortSlices(func(a, b string) bool { return a < b })); diff != "" {
				t.Errorf("gc.collect(...): -want dirs, +got dirs:\n%s", diff)
			}
		})
	}
}
