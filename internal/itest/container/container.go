/*
 *    Copyright 2022 scailio GmbH
 *
 *    Licensed under the Apache License, Version 2.0 (the "License");
 *    you may not use this file except in compliance with the License.
 *    You may obtain a copy of the License at
 *
 *      http://www.apache.org/licenses/LICENSE-2.0
 *
 *    Unless required by applicable law or agreed to in writing, software
 *    distributed under the License is distributed on an "AS IS" BASIS,
 *    WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *    See the License for the specific language governing permissions and
 *    limitations under the License.
 */

// Package container runs docker containers of backends for integration tests.
package container

import (
	"context"
	"fmt"
	"io"
	"os"

	dockertypes "github.com/docker/docker/api/types"
	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
)

// Start pulls and starts the given image with the environment env, publishing containerPort on a random host port.
// Returns the host port and a shutdown function which must be called to shut down and remove the container as soon
// as it is not needed anymore.
func Start(image string, containerPort nat.Port, env []string) (uint16, func()) {
	ctx := context.Background()
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		panic(err)
	}

	fmt.Printf("Pulling %s docker image\n", image)

	reader, err := cli.ImagePull(ctx, image, dockertypes.ImagePullOptions{})
	if err != nil {
		panic(err)
	}

	//goland:noinspection GoUnhandledErrorResult
	defer reader.Close()
	//goland:noinspection GoUnhandledErrorResult
	io.Copy(os.Stdout, reader)

	createResponse, err := cli.ContainerCreate(ctx, &dockercontainer.Config{
		Image: image,
		Env:   env,
		ExposedPorts: nat.PortSet{
			containerPort: struct{}{},
		},
		Tty: false,
	}, &dockercontainer.HostConfig{
		PortBindings: nat.PortMap{
			containerPort: []nat.PortBinding{
				{
					HostIP: "localhost",
				},
			},
		},
	}, nil, nil, "")
	if err != nil {
		panic(err)
	}

	fmt.Printf("Created docker container: %v\n", createResponse.ID)

	if err := cli.ContainerStart(ctx, createResponse.ID, dockertypes.ContainerStartOptions{}); err != nil {
		panic(err)
	}

	var hostPort uint16
	if containerList, err := cli.ContainerList(context.Background(), dockertypes.ContainerListOptions{
		Filters: filters.NewArgs(
			filters.Arg("id", createResponse.ID),
		),
	}); err != nil || len(containerList) != 1 {
		fmt.Printf("Could not list container in order to find port. Result: %v\n", containerList)
		panic(err)
	} else {
		hostPort = containerList[0].Ports[0].PublicPort
		fmt.Printf("Found host port: %v\n", hostPort)
	}

	shutdown := func() {
		fmt.Printf("************** Output of %s container **************\n", image)
		if out, err := cli.ContainerLogs(ctx, createResponse.ID, dockertypes.ContainerLogsOptions{ShowStdout: true}); err != nil {
			fmt.Printf("ERROR getting container logs: %v\n", err)
		} else {
			//goland:noinspection GoUnhandledErrorResult
			stdcopy.StdCopy(os.Stdout, os.Stderr, out)
		}
		fmt.Printf("************** Output of %s container end **************\n", image)

		fmt.Printf("Removing container\n")
		err = cli.ContainerRemove(context.Background(), createResponse.ID, dockertypes.ContainerRemoveOptions{
			RemoveVolumes: true,
			Force:         true,
		})
		if err != nil {
			fmt.Printf("Error removing container %v: %v\n", createResponse.ID, err)
		}
	}

	return hostPort, shutdown
}
